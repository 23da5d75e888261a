package monitor

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"nae-runtime/internal/series"
)

var ErrDuplicateName = errors.New("duplicate monitor name")

type Monitor struct {
	Name   string
	Expr   series.Expr
	Node   series.Node
	Latest *series.Latest

	degraded bool
}

func (m *Monitor) Degraded() bool { return m.degraded }

// HealthChange reports a monitor entering or leaving the degraded state.
type HealthChange struct {
	Monitor  string
	Degraded bool
}

// Registry names the series an agent watches. Equivalent expressions share
// one node through the pool, so a URI read by several monitors is sampled
// once per tick.
type Registry struct {
	pool   *series.Pool
	byName map[string]*Monitor
	order  []*Monitor
}

func NewRegistry(pool *series.Pool) *Registry {
	if pool == nil {
		pool = series.NewPool()
	}
	return &Registry{pool: pool, byName: map[string]*Monitor{}}
}

func (r *Registry) Pool() *series.Pool { return r.pool }

func (r *Registry) Define(name string, expr series.Expr) (*Monitor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("monitor name is required")
	}
	if expr == nil {
		return nil, fmt.Errorf("monitor %q has no series", name)
	}
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	m := &Monitor{Name: name, Expr: expr, Node: r.pool.Build(expr), Latest: series.NewLatest()}
	r.byName[name] = m
	r.order = append(r.order, m)
	return m, nil
}

func (r *Registry) Lookup(name string) (*Monitor, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Monitors returns monitors in declaration order.
func (r *Registry) Monitors() []*Monitor {
	return append([]*Monitor(nil), r.order...)
}

func (r *Registry) URIs() []string { return r.pool.URIs() }

// Observe samples every monitor for the tick, refreshing the last-sample
// cache, and returns degraded state changes.
func (r *Registry) Observe(t series.Tick) []HealthChange {
	changes := []HealthChange{}
	for _, m := range r.order {
		b, ok := m.Node.Eval(t)
		if !ok {
			continue
		}
		m.Latest.Observe(b)
		if b.Degraded != m.degraded {
			m.degraded = b.Degraded
			changes = append(changes, HealthChange{Monitor: m.Name, Degraded: b.Degraded})
		}
	}
	return changes
}

// Snapshot returns the last value of every monitor instance keyed by
// monitor name then label key.
func (r *Registry) Snapshot() map[string]map[string]series.Value {
	out := map[string]map[string]series.Value{}
	for _, m := range r.order {
		values := map[string]series.Value{}
		for _, s := range m.Latest.All() {
			values[s.Key] = s.Value
		}
		out[m.Name] = values
	}
	return out
}

// Seed loads cached values keyed by monitor name then label key. Unknown
// monitor names are ignored.
func (r *Registry) Seed(values map[string]map[string]series.Value) {
	for name, byKey := range values {
		m, ok := r.byName[name]
		if !ok {
			continue
		}
		for key, v := range byKey {
			m.Latest.Seed(key, v)
		}
	}
}

// Names lists monitor names sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
