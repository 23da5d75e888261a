// Package agent hosts one agent: it builds the agent's monitors and rules
// from its declaration, feeds telemetry rounds through the rule engine and
// runs callbacks, lifecycle hooks and actions on a single task goroutine.
package agent

import (
	"errors"

	"nae-runtime/internal/manifest"
	"nae-runtime/internal/validation"
)

// Agent declares monitors and rules. Setup runs when the agent is created
// and again whenever its parameters change.
type Agent interface {
	Setup(b *Builder) error
}

type ParameterChangeHandler interface {
	OnParameterChange(ctx *Context, changes []manifest.ParamChange) error
}

type ReEnableHandler interface {
	OnAgentReEnable(ctx *Context, ev LifecycleEvent) error
}

type RestartHandler interface {
	OnAgentRestart(ctx *Context, ev LifecycleEvent) error
}

// Definition is everything needed to instantiate an agent.
type Definition struct {
	Manifest   manifest.Manifest
	Parameters manifest.ParameterDefinitions
	New        func() Agent
}

func (d Definition) Validate(host manifest.HostInfo) error {
	var c validation.Collector
	c.Merge("Manifest", d.Manifest.Validate(host))
	c.Merge("", d.Parameters.Validate())
	if err := c.Err(validation.CodeManifest, "agent definition failed validation"); err != nil {
		return err
	}
	if d.New == nil {
		return errors.New("agent definition has no constructor")
	}
	return nil
}
