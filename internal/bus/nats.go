package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"nae-runtime/internal/agent"
)

const (
	SubjectCreated  = "agent.created"
	SubjectUpdated  = "agent.updated"
	SubjectEnabled  = "agent.enabled"
	SubjectDisabled = "agent.disabled"
	SubjectDeleted  = "agent.deleted"

	SubjectAlertLevel = "agent.alert_level"
	SubjectRuleEvent  = "agent.rule_event"
)

// LifecycleSubjects are consumed by the host, in this order.
var LifecycleSubjects = []string{SubjectCreated, SubjectUpdated, SubjectEnabled, SubjectDisabled, SubjectDeleted}

// LifecycleEvent asks the host to change one agent. Agent and Parameters
// are used by created and updated.
type LifecycleEvent struct {
	AgentID    string            `json:"agent_id"`
	Agent      string            `json:"agent,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`
}

type AlertLevelMessage struct {
	AgentID string           `json:"agent_id"`
	Level   agent.AlertLevel `json:"level"`
	At      time.Time        `json:"at"`
}

type RuleEventMessage struct {
	AgentID string      `json:"agent_id"`
	Edge    string      `json:"edge"`
	Event   agent.Event `json:"event"`
	At      time.Time   `json:"at"`
}

type Publisher struct {
	Conn   *nats.Conn
	logger *slog.Logger
	send   func(subject string, data []byte) error
	now    func() time.Time
}

func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("nae-agentd"))
	if err != nil {
		return nil, err
	}
	return newPublisher(conn.Publish, logger, conn), nil
}

func newPublisher(send func(string, []byte) error, logger *slog.Logger, conn *nats.Conn) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{Conn: conn, logger: logger, send: send, now: time.Now}
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.send(subject, data)
}

// RuleEvent publishes a rule edge. Failures are logged; agents never wait
// on the broker.
func (p *Publisher) RuleEvent(agentID, edge string, ev agent.Event) {
	msg := RuleEventMessage{AgentID: agentID, Edge: edge, Event: ev, At: p.now().UTC()}
	if err := p.Publish(SubjectRuleEvent, msg); err != nil {
		p.logger.Warn("publish rule event failed", slog.String("agent_id", agentID), slog.String("error", err.Error()))
	}
}

func (p *Publisher) AlertLevelSet(agentID string, level agent.AlertLevel) {
	msg := AlertLevelMessage{AgentID: agentID, Level: level, At: p.now().UTC()}
	if err := p.Publish(SubjectAlertLevel, msg); err != nil {
		p.logger.Warn("publish alert level failed", slog.String("agent_id", agentID), slog.String("error", err.Error()))
	}
}

type Subscriber struct {
	Conn *nats.Conn
}

func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := nats.Connect(url, nats.Name("nae-agentd"))
	if err != nil {
		return nil, err
	}
	return &Subscriber{Conn: conn}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		s.Conn.Drain()
		s.Conn.Close()
	}
}

func (s *Subscriber) Subscribe(subject string, handler func(LifecycleEvent)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		evt, err := DecodeLifecycle(msg.Data)
		if err != nil {
			return
		}
		handler(evt)
	})
}

// LifecycleHandler applies lifecycle events to a host.
type LifecycleHandler interface {
	HandleLifecycle(ctx context.Context, subject string, evt LifecycleEvent) error
}

// SubscribeLifecycle routes every lifecycle subject to h.
func (s *Subscriber) SubscribeLifecycle(h LifecycleHandler, timeout time.Duration, logger *slog.Logger) error {
	for _, subject := range LifecycleSubjects {
		_, err := s.Subscribe(subject, Dispatch(h, subject, timeout, logger))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nil
}

// Dispatch adapts h to a subscription callback for one subject.
func Dispatch(h LifecycleHandler, subject string, timeout time.Duration, logger *slog.Logger) func(LifecycleEvent) {
	return func(evt LifecycleEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h.HandleLifecycle(ctx, subject, evt); err != nil {
			logger.Error("lifecycle event processing failed",
				slog.String("subject", subject),
				slog.String("agent_id", evt.AgentID),
				slog.String("error", err.Error()))
		}
	}
}

func DecodeLifecycle(data []byte) (LifecycleEvent, error) {
	var evt LifecycleEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return LifecycleEvent{}, fmt.Errorf("decode lifecycle event: %w", err)
	}
	if evt.AgentID == "" {
		return LifecycleEvent{}, errors.New("lifecycle event without agent_id")
	}
	return evt, nil
}
