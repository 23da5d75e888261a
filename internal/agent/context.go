package agent

import (
	"context"
	"log/slog"
	"time"

	"nae-runtime/internal/actions"
	"nae-runtime/internal/manifest"
	"nae-runtime/internal/series"
)

// Context is the agent's view of the runtime inside callbacks and hooks.
// It is only valid on the agent's task goroutine.
type Context struct {
	rt  *Runtime
	ctx context.Context
}

func (c *Context) AgentID() string                   { return c.rt.id }
func (c *Context) Logger() *slog.Logger              { return c.rt.logger }
func (c *Context) Now() time.Time                    { return c.rt.clock.Now() }
func (c *Context) Params() *manifest.Params          { return c.rt.params }
func (c *Context) Param(name string) *manifest.Param { return c.rt.params.Get(name) }
func (c *Context) Variables() *Variables             { return c.rt.vars }

// Monitor returns the last value of every instance of a monitor.
func (c *Context) Monitor(name string) map[string]series.Value {
	return c.rt.registry.Snapshot()[name]
}

// AlertLevel returns the current level; AlertNone when none is set.
func (c *Context) AlertLevel() AlertLevel { return c.rt.level }

// SetAlertLevel changes the level. Setting the current level again is a
// no-op.
func (c *Context) SetAlertLevel(level AlertLevel) error { return c.rt.setAlertLevel(level) }

func (c *Context) RemoveAlertLevel() error { return c.rt.setAlertLevel(AlertNone) }

func (c *Context) Syslog(severity actions.Severity, template string, args ...any) error {
	return c.rt.bus.Syslog(severity, template, args...)
}

func (c *Context) CLI(command, title string) (string, error) {
	return c.rt.bus.CLI(c.ctx, command, title)
}

func (c *Context) Shell(command, title string) (string, error) {
	return c.rt.bus.Shell(c.ctx, command, title)
}

func (c *Context) CustomReport(html, title string) error {
	return c.rt.bus.CustomReport(c.ctx, html, title)
}

func (c *Context) Email(e actions.Email) error {
	return c.rt.bus.Email(c.ctx, e)
}

func (c *Context) HTTP(r actions.HTTPRequest) (*actions.HTTPResponse, error) {
	return c.rt.bus.HTTP(c.ctx, r)
}
