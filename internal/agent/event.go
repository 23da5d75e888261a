package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"nae-runtime/internal/series"
)

// Event is the record handed to rule callbacks. Labels is the instance
// label set as sorted "key=value" pairs joined by commas.
type Event struct {
	RuleID          string `json:"rule_id"`
	ConditionName   string `json:"condition_name"`
	RuleDescription string `json:"rule_description"`
	MonitorName     string `json:"monitor_name"`
	Labels          string `json:"labels"`
	Value           string `json:"value"`
}

// DecodeEvent parses an event and rejects fields it does not know.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Label returns one instance label value.
func (e Event) Label(name string) string {
	return series.ParseLabels(e.Labels)[name]
}

// Float converts Value explicitly.
func (e Event) Float() (float64, error) {
	return strconv.ParseFloat(e.Value, 64)
}

// LifecycleEvent is passed to the re-enable and restart hooks.
type LifecycleEvent struct {
	Kind string
	At   time.Time
}

const (
	LifecycleReEnable = "re_enable"
	LifecycleRestart  = "restart"
)
