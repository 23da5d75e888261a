package agent

import (
	"fmt"
	"strings"
)

// AlertLevel is the agent-wide health signal. AlertNone also means no level
// has been set.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertMinor
	AlertMajor
	AlertCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertMinor:
		return "minor"
	case AlertMajor:
		return "major"
	case AlertCritical:
		return "critical"
	default:
		return "none"
	}
}

func ParseAlertLevel(s string) (AlertLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AlertNone, nil
	case "minor":
		return AlertMinor, nil
	case "major":
		return AlertMajor, nil
	case "critical":
		return AlertCritical, nil
	}
	return AlertNone, fmt.Errorf("unknown alert level %q", s)
}

func (l AlertLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *AlertLevel) UnmarshalText(b []byte) error {
	v, err := ParseAlertLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
