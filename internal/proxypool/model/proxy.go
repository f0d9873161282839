package model

import "time"

type State int

const (
	Healthy State = iota
	Cooling
	Banned
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Cooling:
		return "cooling"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// Proxy is one admitted proxy and its health history. The pool owns the
// records; callers only ever see copies.
type Proxy struct {
	Endpoint string `json:"endpoint"` // scheme://[user:pass@]host:port
	Source   string `json:"source"`

	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	Cooldowns           int       `json:"cooldowns"` // cooldowns since the last success

	Latency   time.Duration `json:"latency"` // from validation
	AddedAt   time.Time     `json:"added_at"`
	LastUsed  time.Time     `json:"last_used"`
	Successes int64         `json:"successes"`
	Failures  int64         `json:"failures"`
}

// Eligible reports whether the proxy may be handed out at now.
func (p *Proxy) Eligible(now time.Time) bool {
	switch p.State {
	case Healthy:
		return true
	case Cooling:
		return !now.Before(p.CooldownUntil)
	default:
		return false
	}
}
