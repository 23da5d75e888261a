package catalog

import (
	"fmt"
	"strconv"

	"nae-runtime/internal/actions"
	"nae-runtime/internal/agent"
	"nae-runtime/internal/manifest"
	"nae-runtime/internal/series"
)

const (
	CPUHighName       = "cpu-high"
	FanStatusName     = "fan-status"
	DHCPRatioName     = "dhcp-ratio"
	InterfaceLinkName = "interface-link"
	HeartbeatName     = "heartbeat"
)

func Builtins() []agent.Definition {
	return []agent.Definition{
		{
			Manifest: manifest.Manifest{Name: CPUHighName, Version: "1.0", Description: "Management module CPU utilization above a threshold"},
			Parameters: manifest.ParameterDefinitions{
				"threshold": {Name: "threshold", Type: "integer", Default: 90, Description: "CPU percent"},
				"duration":  {Name: "duration", Type: "integer", Default: 30, Description: "Seconds above threshold"},
				"module":    {Name: "module", Type: "string", Default: "1/5"},
			},
			New: func() agent.Agent { return &cpuHigh{} },
		},
		{
			Manifest:   manifest.Manifest{Name: FanStatusName, Version: "1.0", Description: "Fan status transitions to fault"},
			Parameters: manifest.ParameterDefinitions{"fan": {Name: "fan", Type: "string", Default: "1/1"}},
			New:        func() agent.Agent { return &fanStatus{} },
		},
		{
			Manifest:   manifest.Manifest{Name: DHCPRatioName, Version: "1.0", Description: "DHCP clients per server"},
			Parameters: manifest.ParameterDefinitions{"limit": {Name: "limit", Type: "float", Default: 1.1}},
			New:        func() agent.Agent { return &dhcpRatio{} },
		},
		{
			Manifest: manifest.Manifest{Name: InterfaceLinkName, Version: "1.0", Description: "Interface link state changes"},
			New:      func() agent.Agent { return &interfaceLink{} },
		},
		{
			Manifest:   manifest.Manifest{Name: HeartbeatName, Version: "1.0", Description: "Periodic heartbeat counter"},
			Parameters: manifest.ParameterDefinitions{"period_minutes": {Name: "period_minutes", Type: "integer", Default: 5}},
			New:        func() agent.Agent { return &heartbeat{} },
		},
	}
}

const cpuURI = "/rest/v10.04/system/subsystems/management_module/{}?attributes=resource_utilization.cpu"

type cpuHigh struct{}

func (a *cpuHigh) Setup(b *agent.Builder) error {
	cpu, err := b.Monitor("cpu", cpuURI, b.Param("module"))
	if err != nil {
		return err
	}
	return b.Rule(agent.RuleSpec{
		Name:            "high_cpu",
		Description:     "CPU utilization above {} percent",
		DescriptionArgs: []any{b.Param("threshold")},
		Condition:       fmt.Sprintf("{} >= {} for %d seconds", b.Param("duration").Int()),
		Bindings:        []any{cpu, b.Param("threshold")},
		Clear:           "< {}",
		ClearBindings:   []any{b.Param("threshold")},
		OnFire:          a.fire,
		OnClear:         a.clear,
	})
}

func (a *cpuHigh) fire(ctx *agent.Context, ev agent.Event) error {
	if err := ctx.SetAlertLevel(agent.AlertCritical); err != nil {
		return err
	}
	if err := ctx.Syslog(actions.SeverityWarning, "CPU utilization %s%% exceeds threshold", ev.Value); err != nil {
		return err
	}
	out, err := ctx.CLI("show system resource-utilization", "Resource utilization")
	if err != nil {
		return err
	}
	return ctx.CustomReport("<pre>"+out+"</pre>", "High CPU")
}

func (a *cpuHigh) clear(ctx *agent.Context, ev agent.Event) error {
	if err := ctx.RemoveAlertLevel(); err != nil {
		return err
	}
	return ctx.Syslog(actions.SeverityInfo, "CPU utilization back to normal")
}

// OnAgentReEnable reports where the agent stands after being re-enabled.
func (a *cpuHigh) OnAgentReEnable(ctx *agent.Context, ev agent.LifecycleEvent) error {
	return ctx.Syslog(actions.SeverityInfo, "cpu agent re-enabled, alert level %s", ctx.AlertLevel())
}

const fanURI = "/rest/v10.04/system/subsystems/chassis/1/fans/{}?attributes=status"

type fanStatus struct{}

func (a *fanStatus) Setup(b *agent.Builder) error {
	fan, err := b.Monitor("fan", fanURI, b.Param("fan"))
	if err != nil {
		return err
	}
	if err := b.Rule(agent.RuleSpec{
		Name:      "fan_fault",
		Condition: `transition {} from "ok" to "fault"`,
		Bindings:  []any{fan},
		OnFire: func(ctx *agent.Context, ev agent.Event) error {
			if err := incr(ctx, "fan_faults"); err != nil {
				return err
			}
			return ctx.SetAlertLevel(agent.AlertMajor)
		},
	}); err != nil {
		return err
	}
	return b.Rule(agent.RuleSpec{
		Name:      "fan_recovered",
		Condition: `transition {} from "fault" to "ok"`,
		Bindings:  []any{fan},
		OnFire: func(ctx *agent.Context, ev agent.Event) error {
			return ctx.RemoveAlertLevel()
		},
	})
}

const (
	dhcpClientsURI = "/rest/v10.04/system/dhcp_server/clients/*?attributes=count"
	dhcpServersURI = "/rest/v10.04/system/dhcp_server/pools/*?attributes=count"
)

type dhcpRatio struct{}

func (a *dhcpRatio) Setup(b *agent.Builder) error {
	clients, err := b.Series("clients", series.Sum(series.URI(dhcpClientsURI)))
	if err != nil {
		return err
	}
	servers, err := b.Series("servers", series.Sum(series.URI(dhcpServersURI)))
	if err != nil {
		return err
	}
	return b.Rule(agent.RuleSpec{
		Name:            "dhcp_imbalance",
		Description:     "DHCP clients per server above {}",
		DescriptionArgs: []any{b.Param("limit")},
		Condition:       "ratio of {} and {} > {}",
		Bindings:        []any{clients, servers, b.Param("limit")},
		Clear:           "<= {}",
		ClearBindings:   []any{b.Param("limit")},
		OnFire: func(ctx *agent.Context, ev agent.Event) error {
			return ctx.SetAlertLevel(agent.AlertCritical)
		},
		OnClear: func(ctx *agent.Context, ev agent.Event) error {
			return ctx.RemoveAlertLevel()
		},
	})
}

const linkURI = "/rest/v10.04/system/interfaces/*?attributes=link_state"

type interfaceLink struct{}

func (a *interfaceLink) Setup(b *agent.Builder) error {
	link, err := b.Monitor("link", linkURI)
	if err != nil {
		return err
	}
	if err := b.Rule(agent.RuleSpec{
		Name:      "link_down",
		Condition: `transition {} from "up" to "down"`,
		Bindings:  []any{link},
		OnFire: func(ctx *agent.Context, ev agent.Event) error {
			name := ev.Label("interfaces")
			if err := ctx.Variables().Set("down/"+name, ctx.Now().UTC().Format("2006-01-02T15:04:05Z")); err != nil {
				return err
			}
			return ctx.Syslog(actions.SeverityWarning, "interface %s went down", name)
		},
	}); err != nil {
		return err
	}
	return b.Rule(agent.RuleSpec{
		Name:      "link_up",
		Condition: `transition {} from "down" to "up"`,
		Bindings:  []any{link},
		OnFire: func(ctx *agent.Context, ev agent.Event) error {
			return ctx.Variables().Delete("down/" + ev.Label("interfaces"))
		},
	})
}

type heartbeat struct{}

func (a *heartbeat) Setup(b *agent.Builder) error {
	return b.Rule(agent.RuleSpec{
		Name:      "beat",
		Condition: fmt.Sprintf("every %d minutes", b.Param("period_minutes").Int()),
		OnFire: func(ctx *agent.Context, ev agent.Event) error {
			return incr(ctx, "beats")
		},
	})
}

// OnAgentRestart records that the counter survived a restart.
func (a *heartbeat) OnAgentRestart(ctx *agent.Context, ev agent.LifecycleEvent) error {
	return incr(ctx, "restarts")
}

func incr(ctx *agent.Context, key string) error {
	n := int64(0)
	if _, ok := ctx.Variables().Get(key); ok {
		v, err := ctx.Variables().Int(key)
		if err != nil {
			return fmt.Errorf("variable %s: %w", key, err)
		}
		n = v
	}
	return ctx.Variables().Set(key, strconv.FormatInt(n+1, 10))
}
