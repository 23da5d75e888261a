package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"nae-runtime/internal/agent"
)

type sent struct {
	subject string
	data    []byte
}

func TestPublisherEncodesMessages(t *testing.T) {
	var out []sent
	p := newPublisher(func(subject string, data []byte) error {
		out = append(out, sent{subject, data})
		return nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	p.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }

	p.AlertLevelSet("a1", agent.AlertMajor)
	p.RuleEvent("a1", "fire", agent.Event{RuleID: "high_cpu", Value: "95"})

	if len(out) != 2 || out[0].subject != SubjectAlertLevel || out[1].subject != SubjectRuleEvent {
		t.Fatalf("unexpected messages %+v", out)
	}
	var level map[string]any
	if err := json.Unmarshal(out[0].data, &level); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if level["level"] != "major" || level["agent_id"] != "a1" {
		t.Fatalf("unexpected alert payload %v", level)
	}
	var rule RuleEventMessage
	if err := json.Unmarshal(out[1].data, &rule); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rule.Edge != "fire" || rule.Event.RuleID != "high_cpu" || rule.Event.Value != "95" {
		t.Fatalf("unexpected rule payload %+v", rule)
	}
}

func TestPublisherSwallowsErrors(t *testing.T) {
	p := newPublisher(func(string, []byte) error { return errors.New("no servers") },
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	p.AlertLevelSet("a1", agent.AlertCritical)
}

func TestDecodeLifecycle(t *testing.T) {
	evt, err := DecodeLifecycle([]byte(`{"agent_id":"a1","agent":"cpu-high","parameters":{"threshold":"80"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Agent != "cpu-high" || evt.Parameters["threshold"] != "80" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if _, err := DecodeLifecycle([]byte(`{"agent":"x"}`)); err == nil {
		t.Fatalf("expected missing agent_id to fail")
	}
	if _, err := DecodeLifecycle([]byte(`{`)); err == nil {
		t.Fatalf("expected malformed json to fail")
	}
}

type recordingHandler struct {
	subjects []string
	err      error
}

func (h *recordingHandler) HandleLifecycle(ctx context.Context, subject string, evt LifecycleEvent) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected deadline")
	}
	h.subjects = append(h.subjects, subject+":"+evt.AgentID)
	return h.err
}

func TestDispatchAppliesTimeout(t *testing.T) {
	h := &recordingHandler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	Dispatch(h, SubjectEnabled, time.Second, logger)(LifecycleEvent{AgentID: "a1"})
	h.err = errors.New("unknown agent")
	Dispatch(h, SubjectDeleted, time.Second, logger)(LifecycleEvent{AgentID: "a2"})
	if len(h.subjects) != 2 || h.subjects[0] != "agent.enabled:a1" || h.subjects[1] != "agent.deleted:a2" {
		t.Fatalf("unexpected dispatch %v", h.subjects)
	}
}
