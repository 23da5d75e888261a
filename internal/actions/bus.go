// Package actions executes agent side effects in the order a callback
// requests them. A failed action is logged and remembered for the next
// custom report; it never aborts the callback.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nae-runtime/internal/security"
	"nae-runtime/internal/storage"
)

var ErrDestroyed = errors.New("agent destroyed")

const (
	KindSyslog = "syslog"
	KindCLI    = "cli"
	KindShell  = "shell"
	KindReport = "report"
	KindEmail  = "email"
	KindHTTP   = "http"
)

// Recorder observes action outcomes.
type Recorder interface {
	ActionDone(agentID, kind string, err error)
}

type nopRecorder struct{}

func (nopRecorder) ActionDone(string, string, error) {}

// Executors are the host sinks shared by every agent's bus.
type Executors struct {
	Syslog    SyslogWriter
	CLI       CommandRunner
	Shell     CommandRunner
	Reports   storage.ReportStore
	Mailer    Mailer
	HTTP      *http.Client
	Allowlist security.Allowlist
	Limits    security.Limits
	Recorder  Recorder
}

// Output is captured CLI or shell text attached to the agent.
type Output struct {
	Kind    string    `json:"kind"`
	Title   string    `json:"title"`
	Command string    `json:"command"`
	Text    string    `json:"text"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

const maxOutputs = 20

type Bus struct {
	agentID string
	exec    Executors
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	pending   []string
	outputs   []Output
	destroyed bool
}

func NewBus(agentID string, exec Executors, logger *slog.Logger) *Bus {
	if exec.Recorder == nil {
		exec.Recorder = nopRecorder{}
	}
	if exec.Limits == (security.Limits{}) {
		exec.Limits = security.DefaultLimits()
	}
	if exec.HTTP == nil {
		exec.HTTP = &http.Client{Timeout: exec.Limits.HTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{agentID: agentID, exec: exec, logger: logger, now: time.Now}
}

// SetClock replaces the time source used for output and report stamps.
func (b *Bus) SetClock(now func() time.Time) { b.now = now }

// Destroy makes later side effects no-ops. Actions already running finish,
// but their results are discarded.
func (b *Bus) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	b.pending = nil
	b.outputs = nil
	b.mu.Unlock()
}

func (b *Bus) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// PendingErrors lists action failures not yet attached to a report.
func (b *Bus) PendingErrors() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.pending...)
}

func (b *Bus) Outputs() []Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Output(nil), b.outputs...)
}

// done logs and records the outcome of one action.
func (b *Bus) done(kind string, err error) error {
	b.exec.Recorder.ActionDone(b.agentID, kind, err)
	if err == nil {
		return nil
	}
	err = fmt.Errorf("%s action: %w", kind, err)
	b.logger.Warn("action failed", slog.String("action", kind), slog.String("error", err.Error()))
	b.mu.Lock()
	if !b.destroyed {
		b.pending = append(b.pending, err.Error())
	}
	b.mu.Unlock()
	return err
}

func (b *Bus) capture(o Output) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.outputs = append(b.outputs, o)
	if len(b.outputs) > maxOutputs {
		b.outputs = b.outputs[len(b.outputs)-maxOutputs:]
	}
}

// CustomReport stores an HTML report. Action errors collected since the
// previous report are attached to it.
func (b *Bus) CustomReport(ctx context.Context, html, title string) error {
	if b.Destroyed() {
		return ErrDestroyed
	}
	if b.exec.Reports == nil {
		return b.done(KindReport, errors.New("no report store configured"))
	}
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	_, err := b.exec.Reports.AddReport(ctx, storage.Report{
		AgentID:   b.agentID,
		Title:     title,
		HTML:      html,
		Errors:    pending,
		CreatedAt: b.now().UTC(),
	})
	if err != nil {
		b.mu.Lock()
		b.pending = append(pending, b.pending...)
		b.mu.Unlock()
	}
	return b.done(KindReport, err)
}
