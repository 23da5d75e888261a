package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"nae-runtime/internal/manifest"
	"nae-runtime/internal/series"
	"nae-runtime/internal/storage"
	"nae-runtime/internal/telemetry"
	"nae-runtime/internal/validation"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type funcAgent struct {
	setup     func(b *Builder) error
	reEnabled int
	restarted int
	changes   []manifest.ParamChange
}

func (a *funcAgent) Setup(b *Builder) error { return a.setup(b) }

func (a *funcAgent) OnAgentReEnable(ctx *Context, ev LifecycleEvent) error {
	a.reEnabled++
	return nil
}

func (a *funcAgent) OnAgentRestart(ctx *Context, ev LifecycleEvent) error {
	a.restarted++
	return nil
}

func (a *funcAgent) OnParameterChange(ctx *Context, changes []manifest.ParamChange) error {
	a.changes = append(a.changes, changes...)
	return nil
}

type edgeRecord struct {
	edge string
	ev   Event
}

type recordingNotifier struct {
	mu     sync.Mutex
	edges  []edgeRecord
	levels []AlertLevel
}

func (n *recordingNotifier) RuleEvent(agentID, edge string, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.edges = append(n.edges, edgeRecord{edge: edge, ev: ev})
}

func (n *recordingNotifier) AlertLevelSet(agentID string, level AlertLevel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.levels = append(n.levels, level)
}

func (n *recordingNotifier) Edges() []edgeRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]edgeRecord(nil), n.edges...)
}

func (n *recordingNotifier) Levels() []AlertLevel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]AlertLevel(nil), n.levels...)
}

// countingStore counts writes to one key.
type countingStore struct {
	storage.Store
	key    string
	mu     sync.Mutex
	writes int
}

func (s *countingStore) Put(ctx context.Context, agentID, key, value string) error {
	s.count(key)
	return s.Store.Put(ctx, agentID, key, value)
}

func (s *countingStore) Delete(ctx context.Context, agentID, key string) error {
	s.count(key)
	return s.Store.Delete(ctx, agentID, key)
}

func (s *countingStore) count(key string) {
	if key != s.key {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
}

func (s *countingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type panicRecorder struct {
	mu     sync.Mutex
	panics []string
}

func (r *panicRecorder) RuleEdge(string, string, string) {}
func (r *panicRecorder) AlertLevelChanged(string, int)   {}
func (r *panicRecorder) CallbackPanicked(agentID, callback string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panics = append(r.panics, callback)
}

type harness struct {
	t        *testing.T
	clk      *clock.Mock
	store    storage.Store
	notifier *recordingNotifier
	recorder *panicRecorder
	impl     *funcAgent
	rt       *Runtime
	cancel   context.CancelFunc
}

func definition(impl *funcAgent, params manifest.ParameterDefinitions) Definition {
	return Definition{
		Manifest:   manifest.Manifest{Name: "test-agent", Version: "1.0"},
		Parameters: params,
		New:        func() Agent { return impl },
	}
}

func newHarness(t *testing.T, impl *funcAgent, params manifest.ParameterDefinitions, values map[string]string) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(epoch)
	h := &harness{
		t:        t,
		clk:      clk,
		store:    storage.NewMemoryStore(),
		notifier: &recordingNotifier{},
		recorder: &panicRecorder{},
		impl:     impl,
	}
	h.start(Config{ID: "agent-1", Definition: definition(impl, params), Params: values})
	return h
}

func (h *harness) start(cfg Config) {
	h.t.Helper()
	rt, err := New(cfg, Deps{
		Store:    h.store,
		Clock:    h.clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Notifier: h.notifier,
		Recorder: h.recorder,
		// timers run through explicit Advance calls only
		TickInterval: 24 * time.Hour,
	})
	if err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go rt.Run(ctx)
	h.rt = rt
	h.cancel = cancel
	h.t.Cleanup(func() {
		cancel()
		<-rt.Done()
	})
	if err := rt.Enable(); err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
}

// at moves the clock to epoch+sec and delivers the batches as one round.
func (h *harness) at(sec int, batches map[string]series.Batch) {
	h.t.Helper()
	h.clk.Set(epoch.Add(time.Duration(sec) * time.Second))
	ts := h.clk.Now()
	for uri, b := range batches {
		b.TS = ts
		b.Sort()
		batches[uri] = b
	}
	h.rt.Deliver(telemetry.Round{TS: ts, Batches: batches})
	if err := h.rt.Advance(); err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
}

func one(v series.Value) series.Batch {
	return series.Batch{Samples: []series.Sample{series.NewSample(nil, v)}}
}

func edgeNames(records []edgeRecord) []string {
	out := []string{}
	for _, r := range records {
		out = append(out, r.ev.RuleID+":"+r.edge)
	}
	return out
}

func TestSustainedThresholdRaisesAlertLevel(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		cpu, err := b.Monitor("cpu", "/system/cpu?attributes=utilization")
		if err != nil {
			return err
		}
		return b.Rule(RuleSpec{
			Name:            "high_cpu",
			Description:     "CPU above {} percent",
			DescriptionArgs: []any{b.Param("threshold")},
			Condition:       "{} >= {} for 30 seconds",
			Bindings:        []any{cpu, b.Param("threshold")},
			OnFire: func(ctx *Context, ev Event) error {
				return ctx.SetAlertLevel(AlertCritical)
			},
		})
	}
	h := newHarness(t, impl, manifest.ParameterDefinitions{"threshold": {Type: "integer", Default: 90}}, nil)
	for i, v := range []float64{91, 92, 93, 94, 95} {
		h.at(i*10, map[string]series.Batch{"/system/cpu?attributes=utilization": one(series.Number(v))})
		if got := len(h.notifier.Edges()); (i < 3 && got != 0) || (i >= 3 && got != 1) {
			t.Fatalf("unexpected edges after sample %d: %v", i+1, edgeNames(h.notifier.Edges()))
		}
	}
	ev := h.notifier.Edges()[0].ev
	if ev.RuleDescription != "CPU above 90 percent" || ev.MonitorName != "cpu" || ev.Value != "94" {
		t.Fatalf("unexpected event %+v", ev)
	}
	snap, err := h.rt.Snapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.AlertLevel != AlertCritical {
		t.Fatalf("expected critical, got %s", snap.AlertLevel)
	}
	if v, _ := h.store.Get(context.Background(), "agent-1", storage.AlertLevelKey); v != "critical" {
		t.Fatalf("expected persisted alert level, got %q", v)
	}
}

func TestTransitionCountsFaults(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		fan, err := b.Monitor("fan", "/system/subsystems/chassis/1/fans/{}?attributes=status", "1/1")
		if err != nil {
			return err
		}
		return b.Rule(RuleSpec{
			Name:      "fan_fault",
			Condition: `transition {} from "ok" to "fault"`,
			Bindings:  []any{fan},
			OnFire: func(ctx *Context, ev Event) error {
				n, err := ctx.Variables().Int("faults")
				if err != nil {
					n = 0
				}
				return ctx.Variables().Set("faults", strconv.FormatInt(n+1, 10))
			},
		})
	}
	h := newHarness(t, impl, nil, nil)
	uri := "/system/subsystems/chassis/1/fans/1%2F1?attributes=status"
	for i, v := range []string{"ok", "fault", "fault", "ok", "fault"} {
		h.at(i*10, map[string]series.Batch{uri: one(series.String(v))})
	}
	edges := h.notifier.Edges()
	if len(edges) != 2 {
		t.Fatalf("expected two faults, got %v", edgeNames(edges))
	}
	if edges[0].ev.Label("fans") != "1/1" {
		t.Fatalf("expected fan label, got %q", edges[0].ev.Labels)
	}
	if v, _ := h.store.Get(context.Background(), "agent-1", storage.VarKey("faults")); v != "2" {
		t.Fatalf("expected persisted counter 2, got %q", v)
	}
}

func TestRateRuleFiresOnce(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		rx, err := b.Monitor("rx", "/system/interfaces/1%2F1?attributes=statistics.rx_packets")
		if err != nil {
			return err
		}
		return b.Rule(RuleSpec{Name: "burst", Condition: "rate {} per 20 seconds > 10", Bindings: []any{rx}})
	}
	h := newHarness(t, impl, nil, nil)
	var at []int
	for i, v := range []float64{1000, 1200, 1500, 1800} {
		before := len(h.notifier.Edges())
		h.at(i*20, map[string]series.Batch{"/system/interfaces/1%2F1?attributes=statistics.rx_packets": one(series.Number(v))})
		if len(h.notifier.Edges()) > before {
			at = append(at, i)
		}
	}
	if len(at) != 1 || at[0] != 2 {
		t.Fatalf("expected single fire with counter sample 3, got %v", at)
	}
}

func TestRatioClearRemovesAlertLevel(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		clients, err := b.Series("clients", series.Sum(series.URI("/dhcp/clients/*?attributes=count")))
		if err != nil {
			return err
		}
		servers, err := b.Series("servers", series.Sum(series.URI("/dhcp/servers/*?attributes=count")))
		if err != nil {
			return err
		}
		return b.Rule(RuleSpec{
			Name:          "imbalance",
			Condition:     "ratio of {} and {} > {}",
			Bindings:      []any{clients, servers, b.Param("limit")},
			Clear:         "<= {}",
			ClearBindings: []any{b.Param("limit")},
			OnFire:        func(ctx *Context, ev Event) error { return ctx.SetAlertLevel(AlertMajor) },
			OnClear:       func(ctx *Context, ev Event) error { return ctx.RemoveAlertLevel() },
		})
	}
	h := newHarness(t, impl, manifest.ParameterDefinitions{"limit": {Type: "float", Default: 1.1}}, nil)
	for i, v := range []float64{12, 13, 9, 8} {
		h.at(i*10, map[string]series.Batch{
			"/dhcp/clients/*?attributes=count": one(series.Number(v)),
			"/dhcp/servers/*?attributes=count": one(series.Number(10)),
		})
	}
	got := edgeNames(h.notifier.Edges())
	if len(got) != 2 || got[0] != "imbalance:fire" || got[1] != "imbalance:clear" {
		t.Fatalf("expected fire then clear, got %v", got)
	}
	h.notifier.mu.Lock()
	levels := append([]AlertLevel(nil), h.notifier.levels...)
	h.notifier.mu.Unlock()
	if len(levels) != 2 || levels[0] != AlertMajor || levels[1] != AlertNone {
		t.Fatalf("expected major then none, got %v", levels)
	}
	if _, err := h.store.Get(context.Background(), "agent-1", storage.AlertLevelKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected alert level removed, got %v", err)
	}
}

func TestWildcardInstancesFireIndependently(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		link, err := b.Monitor("link", "/system/interfaces/*?attributes=link_state")
		if err != nil {
			return err
		}
		return b.Rule(RuleSpec{Name: "link_down", Condition: `transition {} from "up" to "down"`, Bindings: []any{link}})
	}
	h := newHarness(t, impl, nil, nil)
	uri := "/system/interfaces/*?attributes=link_state"
	batch := func(a, b string) series.Batch {
		return series.Batch{Samples: []series.Sample{
			series.NewSample(series.Labels{"interfaces": "1/1"}, series.String(a)),
			series.NewSample(series.Labels{"interfaces": "1/2"}, series.String(b)),
		}}
	}
	h.at(0, map[string]series.Batch{uri: batch("up", "up")})
	h.at(10, map[string]series.Batch{uri: batch("down", "up")})
	h.at(20, map[string]series.Batch{uri: batch("down", "down")})
	edges := h.notifier.Edges()
	if len(edges) != 2 || edges[0].ev.Label("interfaces") != "1/1" || edges[1].ev.Label("interfaces") != "1/2" {
		t.Fatalf("expected one fire per interface, got %+v", edges)
	}
}

func TestPeriodicSurvivesReEnable(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		return b.Rule(RuleSpec{
			Name:      "heartbeat",
			Condition: "every 5 minutes",
			OnFire: func(ctx *Context, ev Event) error {
				n, _ := ctx.Variables().Int("beats")
				return ctx.Variables().Set("beats", strconv.FormatInt(n+1, 10))
			},
		})
	}
	h := newHarness(t, impl, nil, nil)
	advance := func(d time.Duration) {
		h.clk.Add(d)
		if err := h.rt.Advance(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		advance(5 * time.Minute)
	}
	if err := h.rt.Disable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	advance(20 * time.Minute)
	if n := len(h.notifier.Edges()); n != 3 {
		t.Fatalf("expected no beats while disabled, got %d", n)
	}
	if err := h.rt.Enable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	advance(5 * time.Minute)
	snap, _ := h.rt.Snapshot()
	if snap.Variables["beats"] != "4" {
		t.Fatalf("expected 4 beats, got %q", snap.Variables["beats"])
	}
	if impl.reEnabled != 1 {
		t.Fatalf("expected one re-enable hook, got %d", impl.reEnabled)
	}
}

func TestStateRestoredAfterRestart(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		m, err := b.Monitor("temp", "/system/temp?attributes=value")
		if err != nil {
			return err
		}
		return b.Rule(RuleSpec{
			Name:      "hot",
			Condition: "{} > 70",
			Bindings:  []any{m},
			OnFire: func(ctx *Context, ev Event) error {
				if err := ctx.Variables().Set("last", ev.Value); err != nil {
					return err
				}
				return ctx.SetAlertLevel(AlertMinor)
			},
		})
	}
	h := newHarness(t, impl, nil, nil)
	uri := "/system/temp?attributes=value"
	h.at(0, map[string]series.Batch{uri: one(series.Number(80))})
	h.cancel()
	<-h.rt.Done()

	h.start(Config{ID: "agent-1", Definition: definition(impl, nil), Restored: true})
	h.at(10, map[string]series.Batch{uri: one(series.Number(85))})
	if n := len(h.notifier.Edges()); n != 1 {
		t.Fatalf("expected no refire after restart, got %d edges", n)
	}
	snap, _ := h.rt.Snapshot()
	if snap.AlertLevel != AlertMinor || snap.Variables["last"] != "80" {
		t.Fatalf("expected restored state, got %+v", snap)
	}
	if impl.restarted != 1 {
		t.Fatalf("expected restart hook, got %d", impl.restarted)
	}
}

func TestMonitorValuesSurviveRestart(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		_, err := b.Monitor("temp", "/system/temp?attributes=value")
		return err
	}
	h := newHarness(t, impl, nil, nil)
	uri := "/system/temp?attributes=value"
	h.at(0, map[string]series.Batch{uri: one(series.Number(64))})
	if err := h.rt.Restart(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, _ := h.rt.Snapshot()
	if snap.Monitors["temp"][""] != "64" {
		t.Fatalf("expected cached value after restart, got %v", snap.Monitors)
	}

	h.cancel()
	<-h.rt.Done()
	h.start(Config{ID: "agent-1", Definition: definition(impl, nil), Restored: true})
	snap, _ = h.rt.Snapshot()
	if snap.Monitors["temp"][""] != "64" {
		t.Fatalf("expected cached value after reload, got %v", snap.Monitors)
	}
	h.at(10, map[string]series.Batch{uri: one(series.Number(66))})
	snap, _ = h.rt.Snapshot()
	if snap.Monitors["temp"][""] != "66" {
		t.Fatalf("expected live value to replace the cache, got %v", snap.Monitors)
	}
}

func TestRepeatedAlertLevelWritesOnce(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		m, err := b.Monitor("temp", "/system/temp?attributes=value")
		if err != nil {
			return err
		}
		return b.Rule(RuleSpec{
			Name:      "hot",
			Condition: "{} > 70",
			Bindings:  []any{m},
			OnFire: func(ctx *Context, ev Event) error {
				if err := ctx.SetAlertLevel(AlertMajor); err != nil {
					return err
				}
				return ctx.SetAlertLevel(AlertMajor)
			},
		})
	}
	store := &countingStore{Store: storage.NewMemoryStore(), key: storage.AlertLevelKey}
	clk := clock.NewMock()
	clk.Set(epoch)
	h := &harness{t: t, clk: clk, store: store, notifier: &recordingNotifier{}, recorder: &panicRecorder{}, impl: impl}
	h.start(Config{ID: "agent-1", Definition: definition(impl, nil)})

	uri := "/system/temp?attributes=value"
	h.at(0, map[string]series.Batch{uri: one(series.Number(80))})
	h.at(10, map[string]series.Batch{uri: one(series.Number(60))})
	h.at(20, map[string]series.Batch{uri: one(series.Number(85))})
	if n := len(h.notifier.Edges()); n != 3 {
		t.Fatalf("expected fire, clear, fire, got %v", edgeNames(h.notifier.Edges()))
	}
	if levels := h.notifier.Levels(); len(levels) != 1 || levels[0] != AlertMajor {
		t.Fatalf("expected one major notification, got %v", levels)
	}
	if n := store.Writes(); n != 1 {
		t.Fatalf("expected one alert level write, got %d", n)
	}
}

func TestCallbackPanicIsContained(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		m, err := b.Monitor("x", "/x?attributes=v")
		if err != nil {
			return err
		}
		return b.Rule(RuleSpec{
			Name:      "boom",
			Condition: "{} > 1",
			Bindings:  []any{m},
			OnFire:    func(ctx *Context, ev Event) error { panic("agent bug") },
		})
	}
	h := newHarness(t, impl, nil, nil)
	h.at(0, map[string]series.Batch{"/x?attributes=v": one(series.Number(5))})
	h.recorder.mu.Lock()
	panics := append([]string(nil), h.recorder.panics...)
	h.recorder.mu.Unlock()
	if len(panics) != 1 || panics[0] != "boom.fire" {
		t.Fatalf("expected recorded panic, got %v", panics)
	}
	snap, err := h.rt.Snapshot()
	if err != nil {
		t.Fatalf("expected runtime to keep running, got %v", err)
	}
	if snap.AlertLevel != AlertNone {
		t.Fatalf("expected alert level unchanged, got %s", snap.AlertLevel)
	}
}

func TestSetParametersRebuildsRules(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		m, err := b.Monitor("x", "/x?attributes=v")
		if err != nil {
			return err
		}
		return b.Rule(RuleSpec{Name: "above", Condition: "{} > {}", Bindings: []any{m, b.Param("limit")}})
	}
	h := newHarness(t, impl, manifest.ParameterDefinitions{"limit": {Type: "integer", Default: 10}}, nil)
	h.at(0, map[string]series.Batch{"/x?attributes=v": one(series.Number(5))})
	if _, err := h.rt.SetParameters(map[string]string{"limit": "many"}); !validation.HasCode(err, validation.CodeParameter) {
		t.Fatalf("expected parameter error, got %v", err)
	}
	changes, err := h.rt.SetParameters(map[string]string{"limit": "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0].Old != "10" || changes[0].New != "3" {
		t.Fatalf("unexpected changes %+v", changes)
	}
	if len(impl.changes) != 1 {
		t.Fatalf("expected parameter change hook, got %v", impl.changes)
	}
	h.at(10, map[string]series.Batch{"/x?attributes=v": one(series.Number(5))})
	if got := edgeNames(h.notifier.Edges()); len(got) != 1 || got[0] != "above:fire" {
		t.Fatalf("expected fire under the new limit, got %v", got)
	}
}

func TestDestroyDeletesState(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		return b.Rule(RuleSpec{
			Name:      "tick",
			Condition: "every 1 minutes",
			OnFire:    func(ctx *Context, ev Event) error { return ctx.Variables().Set("seen", "yes") },
		})
	}
	h := newHarness(t, impl, nil, nil)
	h.clk.Add(time.Minute)
	if err := h.rt.Advance(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.rt.Destroy(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-h.rt.Done()
	if keys, _ := h.store.List(context.Background(), "agent-1", ""); len(keys) != 0 {
		t.Fatalf("expected no state left, got %v", keys)
	}
	if err := h.rt.Enable(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected stopped runtime, got %v", err)
	}
}

func TestSetupErrorsFailCreation(t *testing.T) {
	impl := &funcAgent{}
	impl.setup = func(b *Builder) error {
		m, _ := b.Monitor("x", "/x?attributes=v")
		return b.Rule(RuleSpec{Name: "r", Condition: "{} > {}", Bindings: []any{m, b.Param("missing")}})
	}
	_, err := New(Config{ID: "a", Definition: definition(impl, nil)}, Deps{})
	if !validation.HasCode(err, validation.CodeBinding) {
		t.Fatalf("expected binding error, got %v", err)
	}
}
