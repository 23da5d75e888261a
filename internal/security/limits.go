package security

import "time"

type Limits struct {
	MinPollInterval      time.Duration
	MaxPollInterval      time.Duration
	MaxAgents            int
	MaxConcurrentFetches int
	CommandTimeout       time.Duration
	HTTPTimeout          time.Duration
	SMTPTimeout          time.Duration
	MaxOutputBytes       int
}

func DefaultLimits() Limits {
	return Limits{
		MinPollInterval:      time.Second,
		MaxPollInterval:      time.Hour,
		MaxAgents:            64,
		MaxConcurrentFetches: 8,
		CommandTimeout:       30 * time.Second,
		HTTPTimeout:          10 * time.Second,
		SMTPTimeout:          10 * time.Second,
		MaxOutputBytes:       64 << 10,
	}
}

// ClampPoll keeps a poll interval inside the configured bounds.
func (l Limits) ClampPoll(d time.Duration) time.Duration {
	switch {
	case d < l.MinPollInterval:
		return l.MinPollInterval
	case d > l.MaxPollInterval:
		return l.MaxPollInterval
	}
	return d
}

// Truncate cuts captured command output to MaxOutputBytes.
func (l Limits) Truncate(out string) string {
	if l.MaxOutputBytes <= 0 || len(out) <= l.MaxOutputBytes {
		return out
	}
	return out[:l.MaxOutputBytes] + "\n[truncated]"
}
