package sessions

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle status of a chat session.
type Status string

// Session statuses.
const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// SafetyLimits caps a session's resource consumption. A zero limit means
// unlimited for that dimension.
type SafetyLimits struct {
	MaxMessages  int             `json:"maxMessages"`
	MaxToolCalls int             `json:"maxToolCalls"`
	MaxCost      decimal.Decimal `json:"maxCost"`
}

// Config is a session's model and behavior configuration.
type Config struct {
	Model       string       `json:"model"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"maxTokens"`
	Tools       []string     `json:"tools"`
	Streaming   bool         `json:"streaming"`
	Safety      SafetyLimits `json:"safety"`
}

// DefaultConfig returns the documented session defaults. Partial
// configurations supplied at creation are merged over these.
func DefaultConfig() Config {
	return Config{
		Model:       "gpt-4o",
		Temperature: 0.7,
		MaxTokens:   4096,
		Tools:       []string{},
		Streaming:   true,
		Safety: SafetyLimits{
			MaxMessages:  100,
			MaxToolCalls: 50,
			MaxCost:      decimal.NewFromInt(5),
		},
	}
}

// SafetyPatch is a partial update to SafetyLimits. Nil fields are left at
// their current value, so patching one limit never resets the others.
type SafetyPatch struct {
	MaxMessages  *int             `json:"maxMessages,omitempty"`
	MaxToolCalls *int             `json:"maxToolCalls,omitempty"`
	MaxCost      *decimal.Decimal `json:"maxCost,omitempty"`
}

// ConfigPatch is a partial update to Config. Nil fields are left untouched;
// the Safety sub-object merges field by field rather than being replaced
// wholesale.
type ConfigPatch struct {
	Model       *string      `json:"model,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"maxTokens,omitempty"`
	Tools       []string     `json:"tools,omitempty"`
	Streaming   *bool        `json:"streaming,omitempty"`
	Safety      *SafetyPatch `json:"safety,omitempty"`
}

func (p ConfigPatch) applyTo(c Config) Config {
	if p.Model != nil {
		c.Model = *p.Model
	}
	if p.Temperature != nil {
		c.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		c.MaxTokens = *p.MaxTokens
	}
	if p.Tools != nil {
		c.Tools = append([]string(nil), p.Tools...)
	}
	if p.Streaming != nil {
		c.Streaming = *p.Streaming
	}
	if p.Safety != nil {
		if p.Safety.MaxMessages != nil {
			c.Safety.MaxMessages = *p.Safety.MaxMessages
		}
		if p.Safety.MaxToolCalls != nil {
			c.Safety.MaxToolCalls = *p.Safety.MaxToolCalls
		}
		if p.Safety.MaxCost != nil {
			c.Safety.MaxCost = *p.Safety.MaxCost
		}
	}
	return c
}

// Usage accumulates a session's consumption counters.
type Usage struct {
	Messages  int             `json:"messages"`
	ToolCalls int             `json:"toolCalls"`
	Tokens    int             `json:"tokens"`
	Cost      decimal.Decimal `json:"cost"`
}

func (u Usage) add(d Usage) Usage {
	u.Messages += d.Messages
	u.ToolCalls += d.ToolCalls
	u.Tokens += d.Tokens
	u.Cost = u.Cost.Add(d.Cost)
	return u
}

// Meta records where a session was created from.
type Meta struct {
	UserAgent  string `json:"userAgent,omitempty"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
}

// Session is a stateful, user-owned conversational context. The store returns
// deep copies; mutations go through store operations only.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Status       Status    `json:"status"`
	Config       Config    `json:"config"`
	Usage        Usage     `json:"usage"`
	Meta         Meta      `json:"meta"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// ExceededLimits reports whether any configured safety limit has been
// crossed. Zero-valued limits never trip.
func (s *Session) ExceededLimits() bool {
	lim := s.Config.Safety
	if lim.MaxMessages > 0 && s.Usage.Messages >= lim.MaxMessages {
		return true
	}
	if lim.MaxToolCalls > 0 && s.Usage.ToolCalls >= lim.MaxToolCalls {
		return true
	}
	if lim.MaxCost.IsPositive() && s.Usage.Cost.GreaterThanOrEqual(lim.MaxCost) {
		return true
	}
	return false
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Config.Tools = append([]string(nil), s.Config.Tools...)
	return &cp
}
