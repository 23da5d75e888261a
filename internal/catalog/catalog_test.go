package catalog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"nae-runtime/internal/actions"
	"nae-runtime/internal/agent"
	"nae-runtime/internal/manifest"
	"nae-runtime/internal/series"
	"nae-runtime/internal/storage"
	"nae-runtime/internal/telemetry"
	"nae-runtime/internal/validation"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSyslog struct{ lines []string }

func (f *fakeSyslog) add(line string) error {
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeSyslog) Debug(m string) error   { return f.add("DEBUG " + m) }
func (f *fakeSyslog) Info(m string) error    { return f.add("INFO " + m) }
func (f *fakeSyslog) Warning(m string) error { return f.add("WARNING " + m) }
func (f *fakeSyslog) Err(m string) error     { return f.add("ERROR " + m) }

type fakeRunner struct{ commands []string }

func (f *fakeRunner) Run(ctx context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	return "ok", nil
}

type runtimeHarness struct {
	t      *testing.T
	clk    *clock.Mock
	store  storage.Store
	syslog *fakeSyslog
	cli    *fakeRunner
	rt     *agent.Runtime
}

func run(t *testing.T, def agent.Definition, params map[string]string) *runtimeHarness {
	t.Helper()
	h := &runtimeHarness{t: t, clk: clock.NewMock(), store: storage.NewMemoryStore(), syslog: &fakeSyslog{}, cli: &fakeRunner{}}
	h.clk.Set(epoch)
	rt, err := agent.New(agent.Config{ID: "a1", Definition: def, Params: params}, agent.Deps{
		Store: h.store,
		Clock: h.clk,
		Executors: actions.Executors{
			Syslog:  h.syslog,
			CLI:     h.cli,
			Reports: storage.NewMemoryReports(),
		},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		TickInterval: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go rt.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-rt.Done()
	})
	if err := rt.Enable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.rt = rt
	return h
}

func (h *runtimeHarness) at(sec int, batches map[string]series.Batch) {
	h.t.Helper()
	h.clk.Set(epoch.Add(time.Duration(sec) * time.Second))
	for uri, b := range batches {
		b.TS = h.clk.Now()
		batches[uri] = b
	}
	h.rt.Deliver(telemetry.Round{TS: h.clk.Now(), Batches: batches})
	if err := h.rt.Advance(); err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
}

func (h *runtimeHarness) snapshot() agent.Snapshot {
	h.t.Helper()
	s, err := h.rt.Snapshot()
	if err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func one(v series.Value) series.Batch {
	return series.Batch{Samples: []series.Sample{series.NewSample(nil, v)}}
}

func TestBuiltinsAreValid(t *testing.T) {
	c := New()
	for _, name := range []string{CPUHighName, FanStatusName, DHCPRatioName, InterfaceLinkName, HeartbeatName} {
		def, ok := c.Lookup(name)
		if !ok {
			t.Fatalf("expected builtin %s", name)
		}
		if _, err := agent.New(agent.Config{ID: "x", Definition: def}, agent.Deps{}); err != nil {
			t.Fatalf("builtin %s failed to build: %v", name, err)
		}
	}
	if err := c.Register(Builtins()[0]); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestCPUHighFiresAndClears(t *testing.T) {
	def, _ := New().Lookup(CPUHighName)
	h := run(t, def, map[string]string{"threshold": "80"})
	uri := "/rest/v10.04/system/subsystems/management_module/1%2F5?attributes=resource_utilization.cpu"
	for i, v := range []float64{85, 86, 87, 88} {
		h.at(i*10, map[string]series.Batch{uri: one(series.Number(v))})
	}
	s := h.snapshot()
	if s.AlertLevel != agent.AlertCritical {
		t.Fatalf("expected critical after 30s above threshold, got %s", s.AlertLevel)
	}
	if len(h.cli.commands) != 1 || h.cli.commands[0] != "show system resource-utilization" {
		t.Fatalf("expected diagnostics command, got %v", h.cli.commands)
	}
	h.at(40, map[string]series.Batch{uri: one(series.Number(20))})
	if s := h.snapshot(); s.AlertLevel != agent.AlertNone {
		t.Fatalf("expected alert cleared, got %s", s.AlertLevel)
	}
}

func TestHeartbeatCountsAcrossRestart(t *testing.T) {
	def, _ := New().Lookup(HeartbeatName)
	h := run(t, def, map[string]string{"period_minutes": "1"})
	for i := 0; i < 3; i++ {
		h.clk.Add(time.Minute)
		if err := h.rt.Advance(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := h.rt.Restart(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := h.snapshot()
	if s.Variables["beats"] != "3" || s.Variables["restarts"] != "1" {
		t.Fatalf("unexpected variables %v", s.Variables)
	}
}

const dhcpDeclaration = `
Manifest:
  Name: dhcp-declared
  Version: "1.0"
ParameterDefinitions:
  limit:
    Type: float
    Default: 1.1
Monitors:
  - Name: clients
    URI: /dhcp/clients/*?attributes=count
    Aggregate: sum
  - Name: servers
    URI: /dhcp/servers/*?attributes=count
    Aggregate: sum
Rules:
  - Name: imbalance
    Description: too many clients
    Condition: ratio of {} and {} > {}
    Bindings: ["monitor:clients", "monitor:servers", "param:limit"]
    Clear: "<= {}"
    ClearBindings: ["param:limit"]
    OnFire:
      - Type: alert_level
        Level: critical
      - Type: syslog
        Severity: warning
        Message: "{{.Event.RuleID}} ratio {{.Event.Value}} over {{index .Params \"limit\"}}"
      - Type: variable
        Key: fires
        Op: increment
    OnClear:
      - Type: alert_level
        Level: none
`

func TestDeclaredAgentRunsActions(t *testing.T) {
	decl, err := manifest.LoadDeclaration([]byte(dhcpDeclaration))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := run(t, Declared(decl), nil)
	for i, v := range []float64{12, 13, 9} {
		h.at(i*10, map[string]series.Batch{
			"/dhcp/clients/*?attributes=count": one(series.Number(v)),
			"/dhcp/servers/*?attributes=count": one(series.Number(10)),
		})
		if i == 0 {
			if s := h.snapshot(); s.AlertLevel != agent.AlertCritical {
				t.Fatalf("expected critical on fire, got %s", s.AlertLevel)
			}
		}
	}
	s := h.snapshot()
	if s.AlertLevel != agent.AlertNone || s.Variables["fires"] != "1" {
		t.Fatalf("unexpected state %+v", s)
	}
	if len(h.syslog.lines) != 1 || h.syslog.lines[0] != "WARNING imbalance ratio 1.2 over 1.1" {
		t.Fatalf("unexpected syslog %v", h.syslog.lines)
	}
}

func TestDeclaredAgentRejectsBadTemplate(t *testing.T) {
	decl, err := manifest.LoadDeclaration([]byte(`
Manifest: {Name: bad, Version: "1"}
Monitors:
  - Name: x
    URI: /x?attributes=v
Rules:
  - Name: r
    Condition: "{} > 1"
    Bindings: ["monitor:x"]
    OnFire:
      - Type: syslog
        Message: "{{.Event.RuleID"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = agent.New(agent.Config{ID: "x", Definition: Declared(decl)}, agent.Deps{})
	if !validation.HasCode(err, validation.CodeDeclaration) {
		t.Fatalf("expected declaration error, got %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "dhcp.yaml"), []byte(dhcpDeclaration), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := New()
	loaded, err := c.LoadDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != "dhcp-declared" {
		t.Fatalf("unexpected loaded %v", loaded)
	}
	if _, ok := c.Lookup("dhcp-declared"); !ok {
		t.Fatalf("expected declared agent in catalog")
	}
}
