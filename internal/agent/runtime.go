package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"nae-runtime/internal/actions"
	"nae-runtime/internal/manifest"
	"nae-runtime/internal/monitor"
	"nae-runtime/internal/rules"
	"nae-runtime/internal/series"
	"nae-runtime/internal/storage"
	"nae-runtime/internal/telemetry"
)

var (
	ErrStopped   = errors.New("agent runtime stopped")
	ErrDestroyed = errors.New("agent destroyed")
)

type Phase string

const (
	PhaseCreated   Phase = "created"
	PhaseEnabled   Phase = "enabled"
	PhaseDisabled  Phase = "disabled"
	PhaseDestroyed Phase = "destroyed"
)

// Subscriber is the telemetry source as seen by one agent.
type Subscriber interface {
	Subscribe(id string, uris []string, deliver func(telemetry.Round)) (func(), error)
}

// Recorder receives runtime metrics.
type Recorder interface {
	RuleEdge(agentID, rule, edge string)
	AlertLevelChanged(agentID string, level int)
	CallbackPanicked(agentID, callback string)
}

// Notifier publishes externally visible agent events.
type Notifier interface {
	RuleEvent(agentID, edge string, ev Event)
	AlertLevelSet(agentID string, level AlertLevel)
}

type nopRecorder struct{}

func (nopRecorder) RuleEdge(string, string, string)  {}
func (nopRecorder) AlertLevelChanged(string, int)    {}
func (nopRecorder) CallbackPanicked(string, string)  {}
func (nopRecorder) RuleEvent(string, string, Event)  {}
func (nopRecorder) AlertLevelSet(string, AlertLevel) {}

type Deps struct {
	Source       Subscriber
	Store        storage.Store
	Executors    actions.Executors
	Clock        clock.Clock
	Logger       *slog.Logger
	Recorder     Recorder
	Notifier     Notifier
	Host         manifest.HostInfo
	TickInterval time.Duration
}

type Config struct {
	ID         string
	Definition Definition
	Params     map[string]string
	// Restored marks an agent recreated after a host restart. Its first
	// Enable runs the restart hook.
	Restored bool
}

// Runtime owns one agent. Every callback, hook and rule evaluation runs on
// the goroutine executing Run; other methods hand work to it and wait.
type Runtime struct {
	id       string
	def      Definition
	deps     Deps
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
	notifier Notifier
	tick     time.Duration

	inbox chan func()
	done  chan struct{}

	ctx         context.Context
	params      *manifest.Params
	impl        Agent
	registry    *monitor.Registry
	engine      *rules.Engine
	bindings    map[string]*ruleBinding
	vars        *Variables
	level       AlertLevel
	bus         *actions.Bus
	unsubscribe func()
	phase       Phase
	everEnabled bool
	restored    bool
	stopping    bool
	seq         uint64
}

func New(cfg Config, deps Deps) (*Runtime, error) {
	if cfg.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if err := cfg.Definition.Validate(deps.Host); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemoryStore()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.TickInterval <= 0 {
		deps.TickInterval = time.Second
	}
	r := &Runtime{
		id:       cfg.ID,
		def:      cfg.Definition,
		deps:     deps,
		clock:    deps.Clock,
		logger:   deps.Logger.With(slog.String("agent_id", cfg.ID), slog.String("agent", cfg.Definition.Manifest.Name)),
		recorder: nopRecorder{},
		notifier: nopRecorder{},
		tick:     deps.TickInterval,
		inbox:    make(chan func(), 256),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		phase:    PhaseCreated,
		restored: cfg.Restored,
	}
	if deps.Recorder != nil {
		r.recorder = deps.Recorder
	}
	if deps.Notifier != nil {
		r.notifier = deps.Notifier
	}
	params, err := cfg.Definition.Parameters.Resolve(cfg.Params)
	if err != nil {
		return nil, err
	}
	r.params = params
	if err := r.loadState(); err != nil {
		return nil, err
	}
	b, impl, err := r.build(params)
	if err != nil {
		return nil, err
	}
	r.install(b, impl)
	r.engine.Restore(r.loadFired())
	r.registry.Seed(r.loadSamples())
	r.bus = actions.NewBus(r.id, deps.Executors, r.logger)
	r.bus.SetClock(r.clock.Now)
	return r, nil
}

func (r *Runtime) ID() string { return r.id }

func (r *Runtime) Definition() Definition { return r.def }

// Done is closed when Run returns.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Run executes the agent's task loop until ctx ends or the agent is
// destroyed.
func (r *Runtime) Run(ctx context.Context) error {
	r.ctx = ctx
	ticker := r.clock.Ticker(r.tick)
	defer ticker.Stop()
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case fn := <-r.inbox:
			fn()
			if r.stopping {
				return nil
			}
		case <-ticker.C:
			r.advance()
		}
	}
}

func (r *Runtime) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case r.inbox <- func() { errc <- fn() }:
	case <-r.done:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-r.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

// Deliver queues a telemetry round for evaluation.
func (r *Runtime) Deliver(round telemetry.Round) {
	select {
	case r.inbox <- func() { r.handleRound(round) }:
	case <-r.done:
	}
}

// Advance runs due timers now instead of waiting for the next tick.
func (r *Runtime) Advance() error {
	return r.call(func() error {
		r.advance()
		return nil
	})
}

func (r *Runtime) Enable() error {
	return r.call(func() error {
		switch r.phase {
		case PhaseDestroyed:
			return ErrDestroyed
		case PhaseEnabled:
			return nil
		}
		reEnable := r.everEnabled
		if err := r.start(); err != nil {
			return err
		}
		r.phase = PhaseEnabled
		r.everEnabled = true
		r.logger.Info("agent enabled")
		now := r.clock.Now()
		switch {
		case r.restored:
			r.restored = false
			if h, ok := r.impl.(RestartHandler); ok {
				r.invoke("on_agent_restart", func(ctx *Context) error {
					return h.OnAgentRestart(ctx, LifecycleEvent{Kind: LifecycleRestart, At: now})
				})
			}
		case reEnable:
			if h, ok := r.impl.(ReEnableHandler); ok {
				r.invoke("on_agent_re_enable", func(ctx *Context) error {
					return h.OnAgentReEnable(ctx, LifecycleEvent{Kind: LifecycleReEnable, At: now})
				})
			}
		}
		return nil
	})
}

// Disable cancels pending timers and stops sampling. Fired flags are kept
// so re-enabling does not repeat alerts.
func (r *Runtime) Disable() error {
	return r.call(func() error {
		switch r.phase {
		case PhaseDestroyed:
			return ErrDestroyed
		case PhaseEnabled:
			r.stop()
			r.phase = PhaseDisabled
			r.logger.Info("agent disabled")
		}
		return nil
	})
}

// SetParameters validates and applies new parameter values, rebuilds the
// agent's declarations and then runs its parameter change hook. Nothing
// changes when validation or the rebuild fails.
func (r *Runtime) SetParameters(values map[string]string) ([]manifest.ParamChange, error) {
	var changes []manifest.ParamChange
	err := r.call(func() error {
		if r.phase == PhaseDestroyed {
			return ErrDestroyed
		}
		next, err := r.def.Parameters.Resolve(r.params.Values())
		if err != nil {
			return err
		}
		if changes, err = next.Apply(values); err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		b, impl, err := r.build(next)
		if err != nil {
			return err
		}
		enabled := r.phase == PhaseEnabled
		if enabled {
			r.stop()
		}
		fired := r.engine.Fired()
		r.params = next
		r.install(b, impl)
		r.engine.Restore(fired)
		if enabled {
			if err := r.start(); err != nil {
				r.phase = PhaseDisabled
				return err
			}
		}
		for _, c := range changes {
			r.logger.Info("parameter changed", slog.String("name", c.Name), slog.String("old", c.Old), slog.String("new", c.New))
		}
		if h, ok := r.impl.(ParameterChangeHandler); ok {
			r.invoke("on_parameter_change", func(ctx *Context) error {
				return h.OnParameterChange(ctx, changes)
			})
		}
		return nil
	})
	return changes, err
}

// Restart rebuilds the agent from its persisted state, as after a host
// restart, and runs the restart hook.
func (r *Runtime) Restart() error {
	return r.call(func() error {
		if r.phase == PhaseDestroyed {
			return ErrDestroyed
		}
		enabled := r.phase == PhaseEnabled
		if enabled {
			r.stop()
		}
		b, impl, err := r.build(r.params)
		if err != nil {
			return err
		}
		if err := r.loadState(); err != nil {
			return err
		}
		r.install(b, impl)
		r.engine.Restore(r.loadFired())
		r.registry.Seed(r.loadSamples())
		if enabled {
			if err := r.start(); err != nil {
				r.phase = PhaseDisabled
				return err
			}
		}
		r.logger.Info("agent restarted")
		if h, ok := r.impl.(RestartHandler); ok {
			now := r.clock.Now()
			r.invoke("on_agent_restart", func(ctx *Context) error {
				return h.OnAgentRestart(ctx, LifecycleEvent{Kind: LifecycleRestart, At: now})
			})
		}
		return nil
	})
}

// Destroy stops the agent, deletes its persisted state and ends Run.
// Side effects of actions still in flight are discarded.
func (r *Runtime) Destroy() error {
	err := r.call(func() error {
		if r.phase == PhaseDestroyed {
			return nil
		}
		if r.unsubscribe != nil {
			r.unsubscribe()
			r.unsubscribe = nil
		}
		r.engine.Stop()
		r.bus.Destroy()
		r.phase = PhaseDestroyed
		r.stopping = true
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := r.deps.Store.DeleteAgent(ctx, r.id); err != nil {
			return fmt.Errorf("delete agent state: %w", err)
		}
		r.logger.Info("agent destroyed")
		return nil
	})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// Snapshot is a read-only view of the agent for the admin API.
type Snapshot struct {
	ID            string                       `json:"id"`
	Name          string                       `json:"name"`
	Version       string                       `json:"version"`
	Phase         Phase                        `json:"phase"`
	AlertLevel    AlertLevel                   `json:"alertLevel"`
	Parameters    map[string]string            `json:"parameters"`
	Variables     map[string]string            `json:"variables"`
	Monitors      map[string]map[string]string `json:"monitors"`
	Degraded      []string                     `json:"degraded,omitempty"`
	Rules         []string                     `json:"rules"`
	Fired         map[string][]string          `json:"fired"`
	Outputs       []actions.Output             `json:"outputs,omitempty"`
	PendingErrors []string                     `json:"pendingErrors,omitempty"`
}

func (r *Runtime) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := r.call(func() error {
		s = Snapshot{
			ID:            r.id,
			Name:          r.def.Manifest.Name,
			Version:       r.def.Manifest.Version,
			Phase:         r.phase,
			AlertLevel:    r.level,
			Parameters:    r.params.Redacted(),
			Variables:     r.vars.All(),
			Monitors:      map[string]map[string]string{},
			Fired:         r.engine.Fired(),
			Outputs:       r.bus.Outputs(),
			PendingErrors: r.bus.PendingErrors(),
		}
		for name, values := range r.registry.Snapshot() {
			m := map[string]string{}
			for key, v := range values {
				m[key] = v.String()
			}
			s.Monitors[name] = m
		}
		for _, m := range r.registry.Monitors() {
			if m.Degraded() {
				s.Degraded = append(s.Degraded, m.Name)
			}
		}
		for _, rule := range r.engine.Rules() {
			s.Rules = append(s.Rules, rule.ID)
		}
		return nil
	})
	return s, err
}

func (r *Runtime) build(params *manifest.Params) (b *Builder, impl Agent, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent setup panicked: %v", p)
		}
	}()
	b = newBuilder(params)
	impl = r.def.New()
	if err := impl.Setup(b); err != nil {
		return nil, nil, err
	}
	return b, impl, nil
}

func (r *Runtime) install(b *Builder, impl Agent) {
	r.impl = impl
	r.registry = b.registry
	r.engine = b.engine
	r.bindings = b.rules
}

func (r *Runtime) start() error {
	r.engine.Start(r.clock.Now())
	uris := r.registry.URIs()
	if r.deps.Source == nil || len(uris) == 0 {
		return nil
	}
	unsubscribe, err := r.deps.Source.Subscribe(r.id, uris, r.Deliver)
	if err != nil {
		r.engine.Stop()
		return fmt.Errorf("subscribe: %w", err)
	}
	r.unsubscribe = unsubscribe
	return nil
}

func (r *Runtime) stop() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.engine.Stop()
	r.persistRules()
	r.persistSamples()
}

func (r *Runtime) shutdown() {
	if r.phase != PhaseEnabled {
		return
	}
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.persistRules()
	r.persistSamples()
}

func (r *Runtime) handleRound(round telemetry.Round) {
	if r.phase != PhaseEnabled {
		return
	}
	r.seq++
	t := series.Tick{Seq: r.seq, TS: round.TS, Batches: round.Batches}
	for _, hc := range r.registry.Observe(t) {
		if hc.Degraded {
			r.logger.Warn("monitor degraded", slog.String("monitor", hc.Monitor))
		} else {
			r.logger.Info("monitor recovered", slog.String("monitor", hc.Monitor))
		}
	}
	firings := r.engine.Evaluate(t)
	dropped := r.engine.TakeDropped()
	for rule, keys := range dropped {
		r.logger.Debug("instances gone", slog.String("rule", rule), slog.Any("labels", keys))
	}
	r.dispatch(firings)
	if len(firings) > 0 || len(dropped) > 0 {
		r.persistRules()
	}
}

func (r *Runtime) advance() {
	if r.phase != PhaseEnabled {
		return
	}
	firings := r.engine.Advance(r.clock.Now())
	r.dispatch(firings)
	if len(firings) > 0 {
		r.persistRules()
	}
}

func (r *Runtime) dispatch(firings []rules.Firing) {
	for _, f := range firings {
		if r.stopping {
			return
		}
		b := r.bindings[f.Rule.ID]
		if b == nil {
			continue
		}
		ev := Event{
			RuleID:          f.Rule.ID,
			ConditionName:   f.Condition,
			RuleDescription: fillPlaceholders(b.spec.Description, b.spec.DescriptionArgs),
			MonitorName:     f.Monitor,
			Labels:          f.Labels.Key(),
		}
		if !f.Value.IsNone() {
			ev.Value = f.Value.String()
		}
		edge := f.Edge.String()
		r.recorder.RuleEdge(r.id, f.Rule.ID, edge)
		r.notifier.RuleEvent(r.id, edge, ev)
		r.logger.Info("rule "+edge, slog.String("rule", f.Rule.ID), slog.String("labels", ev.Labels), slog.String("value", ev.Value))
		cb := b.spec.OnFire
		if f.Edge == rules.EdgeClear {
			cb = b.spec.OnClear
		}
		if cb == nil {
			continue
		}
		r.invoke(f.Rule.ID+"."+edge, func(ctx *Context) error { return cb(ctx, ev) })
	}
}

// invoke runs agent code, logging errors and recovering panics so they
// never reach the host.
func (r *Runtime) invoke(name string, fn func(*Context) error) {
	defer func() {
		if p := recover(); p != nil {
			r.recorder.CallbackPanicked(r.id, name)
			r.logger.Error("callback panicked",
				slog.String("callback", name),
				slog.String("panic", fmt.Sprint(p)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := fn(&Context{rt: r, ctx: r.ctx}); err != nil {
		r.logger.Error("callback failed", slog.String("callback", name), slog.String("error", err.Error()))
	}
}

func (r *Runtime) setAlertLevel(level AlertLevel) error {
	if level == r.level {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	var err error
	if level == AlertNone {
		err = r.deps.Store.Delete(ctx, r.id, storage.AlertLevelKey)
	} else {
		err = r.deps.Store.Put(ctx, r.id, storage.AlertLevelKey, level.String())
	}
	if err != nil {
		r.logger.Error("alert level write failed", slog.String("error", err.Error()))
		return err
	}
	r.logger.Info("alert level changed", slog.String("from", r.level.String()), slog.String("to", level.String()))
	r.level = level
	r.recorder.AlertLevelChanged(r.id, int(level))
	r.notifier.AlertLevelSet(r.id, level)
	return nil
}

func (r *Runtime) loadState() error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	vars, err := loadVariables(ctx, r.id, r.deps.Store, r.logger)
	if err != nil {
		return err
	}
	r.vars = vars
	r.level = AlertNone
	raw, err := r.deps.Store.Get(ctx, r.id, storage.AlertLevelKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load alert level: %w", err)
	default:
		level, err := ParseAlertLevel(raw)
		if err != nil {
			r.logger.Warn("ignoring stored alert level", slog.String("error", err.Error()))
		}
		r.level = level
	}
	return nil
}

func (r *Runtime) loadFired() map[string][]string {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	entries, err := r.deps.Store.List(ctx, r.id, storage.RulePrefix)
	if err != nil {
		r.logger.Warn("rule state not restored", slog.String("error", err.Error()))
		return nil
	}
	fired := map[string][]string{}
	for key, raw := range entries {
		var keys []string
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			r.logger.Warn("ignoring rule state", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		fired[key[len(storage.RulePrefix):]] = keys
	}
	return fired
}

// loadSamples reads the monitor value cache written on stop. Entries that do
// not decode are skipped.
func (r *Runtime) loadSamples() map[string]map[string]series.Value {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	entries, err := r.deps.Store.List(ctx, r.id, storage.SamplePrefix)
	if err != nil {
		r.logger.Warn("sample cache not restored", slog.String("error", err.Error()))
		return nil
	}
	out := map[string]map[string]series.Value{}
	for key, raw := range entries {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			r.logger.Warn("ignoring sample cache", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		values := map[string]series.Value{}
		for instance, v := range decoded {
			if value, ok := cachedValue(v); ok {
				values[instance] = value
			}
		}
		out[key[len(storage.SamplePrefix):]] = values
	}
	return out
}

func cachedValue(raw any) (series.Value, bool) {
	if env, ok := raw.(map[string]any); ok {
		low, lok := env["low"].(float64)
		high, hok := env["high"].(float64)
		if !lok || !hok {
			return series.Value{}, false
		}
		return series.Envelope(low, high), true
	}
	return series.FromJSON(raw)
}

func (r *Runtime) persistRules() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	fired := r.engine.Fired()
	for _, rule := range r.engine.Rules() {
		keys := fired[rule.ID]
		var err error
		if len(keys) == 0 {
			err = r.deps.Store.Delete(ctx, r.id, storage.RuleKey(rule.ID))
		} else {
			data, _ := json.Marshal(keys)
			err = r.deps.Store.Put(ctx, r.id, storage.RuleKey(rule.ID), string(data))
		}
		if err != nil {
			r.logger.Error("rule state write failed", slog.String("rule", rule.ID), slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) persistSamples() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	snapshot := r.registry.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if len(snapshot[name]) == 0 {
			continue
		}
		data, err := json.Marshal(snapshot[name])
		if err == nil {
			err = r.deps.Store.Put(ctx, r.id, storage.SampleKey(name), string(data))
		}
		if err != nil {
			r.logger.Error("sample cache write failed", slog.String("monitor", name), slog.String("error", err.Error()))
		}
	}
}
