// Package host runs many agents side by side. It owns their lifecycle,
// persists each agent's definition next to its state and restores every
// agent when the process starts again.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"nae-runtime/internal/actions"
	"nae-runtime/internal/agent"
	"nae-runtime/internal/bus"
	"nae-runtime/internal/catalog"
	"nae-runtime/internal/crypto"
	"nae-runtime/internal/manifest"
	"nae-runtime/internal/security"
	"nae-runtime/internal/storage"
	"nae-runtime/internal/validation"
)

var (
	ErrNotFound   = errors.New("agent not found")
	ErrExists     = errors.New("agent already exists")
	ErrCapacity   = errors.New("agent limit reached")
	ErrNotRunning = errors.New("host not started")
)

const storeTimeout = 5 * time.Second

// Metrics is the subset of the metrics registry the host feeds.
type Metrics interface {
	agent.Recorder
	AgentsLoaded(n int)
	Forget(agentID string)
}

// Record is the persisted definition of one agent instance. Encrypted
// parameters are sealed at rest.
type Record struct {
	ID         string            `json:"id"`
	Agent      string            `json:"agent"`
	Version    string            `json:"version"`
	Parameters map[string]string `json:"parameters"`
	Enabled    bool              `json:"enabled"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type CreateRequest struct {
	ID         string            `json:"id"`
	Agent      string            `json:"agent"`
	Parameters map[string]string `json:"parameters"`
	Enabled    bool              `json:"enabled"`
}

// Summary is one line of the agent listing.
type Summary struct {
	ID         string           `json:"id"`
	Agent      string           `json:"agent"`
	Phase      agent.Phase      `json:"phase"`
	AlertLevel agent.AlertLevel `json:"alertLevel"`
	Enabled    bool             `json:"enabled"`
}

type Config struct {
	Host         manifest.HostInfo
	Limits       security.Limits
	TickInterval time.Duration
}

type Deps struct {
	Catalog   *catalog.Catalog
	Store     storage.Store
	Reports   storage.ReportStore
	Source    agent.Subscriber
	Executors actions.Executors
	Encryptor crypto.Encryptor
	Metrics   Metrics
	Notifier  agent.Notifier
	Clock     clock.Clock
	Logger    *slog.Logger
}

type entry struct {
	rec Record
	rt  *agent.Runtime
}

type Host struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	agents map[string]*entry
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg Config, deps Deps) *Host {
	if cfg.Limits == (security.Limits{}) {
		cfg.Limits = security.DefaultLimits()
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.New()
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemoryStore()
	}
	if deps.Reports == nil {
		deps.Reports = storage.NewMemoryReports()
	}
	if deps.Executors.Reports == nil {
		deps.Executors.Reports = deps.Reports
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Host{cfg: cfg, deps: deps, agents: map[string]*entry{}}
}

// Start restores every persisted agent and keeps their task loops running
// until ctx ends or Close is called. Agents that fail to restore are logged
// and skipped.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.group != nil {
		h.mu.Unlock()
		return errors.New("host already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	h.ctx, h.cancel = ctx, cancel
	h.group = new(errgroup.Group)
	h.mu.Unlock()

	lctx, lcancel := context.WithTimeout(ctx, storeTimeout)
	ids, err := h.deps.Store.Agents(lctx)
	lcancel()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := h.restore(ctx, id); err != nil {
			h.deps.Logger.Error("agent restore failed", slog.String("agent_id", id), slog.String("error", err.Error()))
		}
	}
	h.report()
	return nil
}

func (h *Host) restore(ctx context.Context, id string) error {
	lctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	raw, err := h.deps.Store.Get(lctx, id, storage.DefinitionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return errors.New("state without definition")
	}
	if err != nil {
		return err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("decode definition: %w", err)
	}
	params, err := crypto.OpenParams(h.deps.Encryptor, rec.Parameters)
	if err != nil {
		return err
	}
	rt, err := h.launch(rec, params, true)
	if err != nil {
		return err
	}
	if rec.Enabled {
		if err := rt.Enable(); err != nil {
			return fmt.Errorf("enable: %w", err)
		}
	}
	h.deps.Logger.Info("agent restored", slog.String("agent_id", id), slog.String("agent", rec.Agent), slog.Bool("enabled", rec.Enabled))
	return nil
}

// launch builds the runtime and starts its task loop.
func (h *Host) launch(rec Record, params map[string]string, restored bool) (*agent.Runtime, error) {
	def, ok := h.deps.Catalog.Lookup(rec.Agent)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", rec.Agent)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.group == nil {
		return nil, ErrNotRunning
	}
	if _, ok := h.agents[rec.ID]; ok {
		return nil, ErrExists
	}
	if limit := h.cfg.Limits.MaxAgents; limit > 0 && len(h.agents) >= limit {
		return nil, ErrCapacity
	}
	var recorder agent.Recorder
	if h.deps.Metrics != nil {
		recorder = h.deps.Metrics
	}
	rt, err := agent.New(agent.Config{ID: rec.ID, Definition: def, Params: params, Restored: restored}, agent.Deps{
		Source:       h.deps.Source,
		Store:        h.deps.Store,
		Executors:    h.deps.Executors,
		Clock:        h.deps.Clock,
		Logger:       h.deps.Logger,
		Recorder:     recorder,
		Notifier:     h.deps.Notifier,
		Host:         h.cfg.Host,
		TickInterval: h.cfg.TickInterval,
	})
	if err != nil {
		return nil, err
	}
	h.agents[rec.ID] = &entry{rec: rec, rt: rt}
	ctx := h.ctx
	h.group.Go(func() error {
		err := rt.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return rt, nil
}

func (h *Host) Create(ctx context.Context, req CreateRequest) (Record, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !security.IsSafeKey(req.ID) {
		return Record{}, validation.New(validation.CodeParameter, "invalid agent id",
			validation.ErrorDetail{Field: "id", Problem: "invalid", Hint: "Letters, digits and _ . : / - only"})
	}
	def, ok := h.deps.Catalog.Lookup(req.Agent)
	if !ok {
		return Record{}, fmt.Errorf("%w: unknown agent %q", ErrNotFound, req.Agent)
	}
	now := h.deps.Clock.Now().UTC()
	rec := Record{
		ID:         req.ID,
		Agent:      req.Agent,
		Version:    def.Manifest.Version,
		Parameters: req.Parameters,
		Enabled:    req.Enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rt, err := h.launch(rec, req.Parameters, false)
	if err != nil {
		return Record{}, err
	}
	if err := h.persist(ctx, req.ID, def, rec); err != nil {
		h.drop(req.ID)
		return Record{}, err
	}
	if req.Enabled {
		if err := rt.Enable(); err != nil {
			return rec, err
		}
	}
	h.deps.Logger.Info("agent created", slog.String("agent_id", rec.ID), slog.String("agent", rec.Agent))
	h.report()
	return h.redact(def, rec), nil
}

// drop tears down a runtime whose creation could not be completed.
func (h *Host) drop(id string) {
	h.mu.Lock()
	e, ok := h.agents[id]
	delete(h.agents, id)
	h.mu.Unlock()
	if ok {
		_ = e.rt.Destroy()
	}
}

func (h *Host) persist(ctx context.Context, id string, def agent.Definition, rec Record) error {
	sealed, err := crypto.SealParams(h.deps.Encryptor, rec.Parameters, func(name string) bool {
		return def.Parameters[name].Encrypted
	})
	if err != nil {
		return err
	}
	rec.Parameters = sealed
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := h.deps.Store.Put(ctx, id, storage.DefinitionKey, string(data)); err != nil {
		return fmt.Errorf("persist definition: %w", err)
	}
	return nil
}

func (h *Host) redact(def agent.Definition, rec Record) Record {
	out := rec
	out.Parameters = map[string]string{}
	for name, v := range rec.Parameters {
		if def.Parameters[name].Encrypted {
			v = manifest.RedactedValue
		}
		out.Parameters[name] = v
	}
	return out
}

func (h *Host) lookup(id string) (*entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// UpdateParameters applies new values and persists the merged set.
func (h *Host) UpdateParameters(ctx context.Context, id string, values map[string]string) ([]manifest.ParamChange, error) {
	e, err := h.lookup(id)
	if err != nil {
		return nil, err
	}
	changes, err := e.rt.SetParameters(values)
	if err != nil || len(changes) == 0 {
		return changes, err
	}
	def := e.rt.Definition()
	h.mu.Lock()
	rec := e.rec
	merged := map[string]string{}
	for k, v := range rec.Parameters {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	rec.Parameters = merged
	rec.UpdatedAt = h.deps.Clock.Now().UTC()
	e.rec = rec
	h.mu.Unlock()
	return changes, h.persist(ctx, id, def, rec)
}

func (h *Host) Enable(ctx context.Context, id string) error {
	return h.setEnabled(ctx, id, true)
}

func (h *Host) Disable(ctx context.Context, id string) error {
	return h.setEnabled(ctx, id, false)
}

func (h *Host) setEnabled(ctx context.Context, id string, enabled bool) error {
	e, err := h.lookup(id)
	if err != nil {
		return err
	}
	if enabled {
		err = e.rt.Enable()
	} else {
		err = e.rt.Disable()
	}
	if err != nil {
		return err
	}
	h.mu.Lock()
	rec := e.rec
	changed := rec.Enabled != enabled
	rec.Enabled = enabled
	rec.UpdatedAt = h.deps.Clock.Now().UTC()
	e.rec = rec
	h.mu.Unlock()
	if !changed {
		return nil
	}
	return h.persist(ctx, id, e.rt.Definition(), rec)
}

func (h *Host) Restart(ctx context.Context, id string) error {
	e, err := h.lookup(id)
	if err != nil {
		return err
	}
	return e.rt.Restart()
}

// Delete destroys the agent, its state and its reports.
func (h *Host) Delete(ctx context.Context, id string) error {
	h.mu.Lock()
	e, ok := h.agents[id]
	delete(h.agents, id)
	h.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	var errs error
	errs = multierr.Append(errs, e.rt.Destroy())
	errs = multierr.Append(errs, h.deps.Reports.DeleteReports(ctx, id))
	if h.deps.Metrics != nil {
		h.deps.Metrics.Forget(id)
	}
	h.deps.Logger.Info("agent deleted", slog.String("agent_id", id))
	h.report()
	return errs
}

func (h *Host) Get(id string) (agent.Snapshot, error) {
	e, err := h.lookup(id)
	if err != nil {
		return agent.Snapshot{}, err
	}
	return e.rt.Snapshot()
}

func (h *Host) List() []Summary {
	h.mu.Lock()
	entries := make([]*entry, 0, len(h.agents))
	for _, e := range h.agents {
		entries = append(entries, e)
	}
	h.mu.Unlock()
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		s := Summary{ID: e.rec.ID, Agent: e.rec.Agent, Enabled: e.rec.Enabled}
		if snap, err := e.rt.Snapshot(); err == nil {
			s.Phase, s.AlertLevel = snap.Phase, snap.AlertLevel
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Host) Variables(id string) (map[string]string, error) {
	snap, err := h.Get(id)
	if err != nil {
		return nil, err
	}
	return snap.Variables, nil
}

func (h *Host) Reports(ctx context.Context, id string, limit int) ([]storage.Report, error) {
	if _, err := h.lookup(id); err != nil {
		return nil, err
	}
	return h.deps.Reports.ListReports(ctx, id, limit)
}

func (h *Host) report() {
	if h.deps.Metrics == nil {
		return
	}
	h.mu.Lock()
	n := len(h.agents)
	h.mu.Unlock()
	h.deps.Metrics.AgentsLoaded(n)
}

// Close stops every agent, waits for their loops and closes the store.
// Agent state stays persisted for the next Start.
func (h *Host) Close() error {
	h.mu.Lock()
	cancel, group := h.cancel, h.group
	h.mu.Unlock()
	var errs error
	if cancel != nil {
		cancel()
		errs = multierr.Append(errs, group.Wait())
	}
	return multierr.Append(errs, h.deps.Store.Close())
}

// HandleLifecycle applies an agent change received from the bus.
func (h *Host) HandleLifecycle(ctx context.Context, subject string, evt bus.LifecycleEvent) error {
	switch subject {
	case bus.SubjectCreated:
		enabled := evt.Enabled == nil || *evt.Enabled
		_, err := h.Create(ctx, CreateRequest{ID: evt.AgentID, Agent: evt.Agent, Parameters: evt.Parameters, Enabled: enabled})
		return err
	case bus.SubjectUpdated:
		if _, err := h.UpdateParameters(ctx, evt.AgentID, evt.Parameters); err != nil {
			return err
		}
		if evt.Enabled != nil {
			return h.setEnabled(ctx, evt.AgentID, *evt.Enabled)
		}
		return nil
	case bus.SubjectEnabled:
		return h.Enable(ctx, evt.AgentID)
	case bus.SubjectDisabled:
		return h.Disable(ctx, evt.AgentID)
	case bus.SubjectDeleted:
		return h.Delete(ctx, evt.AgentID)
	}
	return fmt.Errorf("unsupported subject %q", subject)
}
