package rules

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"nae-runtime/internal/condition"
	"nae-runtime/internal/series"
)

type Edge int

const (
	EdgeFire Edge = iota + 1
	EdgeClear
)

func (e Edge) String() string {
	if e == EdgeClear {
		return "clear"
	}
	return "fire"
}

// Rule pairs a condition with an optional clear condition. With a clear
// condition the rule strictly alternates between fire and clear; without
// one, clearing happens when the condition stops holding.
type Rule struct {
	ID    string
	Name  string
	Main  *condition.Condition
	Clear *condition.Condition
}

type Firing struct {
	Rule      *Rule
	Edge      Edge
	Key       string
	Labels    series.Labels
	Value     series.Value
	Monitor   string
	Condition string
	At        time.Time
}

type track struct {
	last    condition.Truth
	since   time.Time
	prev    string
	hasPrev bool
}

type slot struct {
	labels series.Labels
	value  series.Value
	main   track
	clear  track
	fired  bool
}

// Engine evaluates rules per (rule, instance). It is not safe for concurrent
// use; an agent's task loop owns it.
type Engine struct {
	rules   []*Rule
	byID    map[string]*Rule
	slots   map[string]map[string]*slot
	next    map[string]time.Time
	dropped map[string][]string
	running bool
}

func NewEngine() *Engine {
	return &Engine{
		byID:    map[string]*Rule{},
		slots:   map[string]map[string]*slot{},
		next:    map[string]time.Time{},
		dropped: map[string][]string{},
	}
}

func (e *Engine) Add(r *Rule) error {
	if r == nil || r.Main == nil {
		return errors.New("rule has no condition")
	}
	if _, ok := e.byID[r.ID]; ok {
		return fmt.Errorf("duplicate rule %q", r.ID)
	}
	if r.Main.Kind == condition.KindPeriodic && r.Clear != nil {
		return fmt.Errorf("rule %q: periodic conditions have no clear condition", r.ID)
	}
	if r.Clear != nil && r.Clear.Kind == condition.KindPeriodic {
		return fmt.Errorf("rule %q: clear condition cannot be periodic", r.ID)
	}
	e.rules = append(e.rules, r)
	e.byID[r.ID] = r
	e.slots[r.ID] = map[string]*slot{}
	return nil
}

func (e *Engine) Rules() []*Rule { return append([]*Rule(nil), e.rules...) }

func (e *Engine) Running() bool { return e.running }

// Start arms periodic schedules from now.
func (e *Engine) Start(now time.Time) {
	e.running = true
	for _, r := range e.rules {
		if r.Main.Kind == condition.KindPeriodic {
			e.next[r.ID] = now.Add(r.Main.Period)
		}
	}
}

// Stop cancels pending sustain runs and periodic timers. Fired flags survive.
func (e *Engine) Stop() {
	e.running = false
	for id := range e.next {
		delete(e.next, id)
	}
	for _, slots := range e.slots {
		for _, sl := range slots {
			sl.main = track{}
			sl.clear = track{}
		}
	}
}

// Fired lists fired instance keys per rule id.
func (e *Engine) Fired() map[string][]string {
	out := map[string][]string{}
	for _, r := range e.rules {
		keys := []string{}
		for key, sl := range e.slots[r.ID] {
			if sl.fired {
				keys = append(keys, key)
			}
		}
		if len(keys) > 0 {
			sort.Strings(keys)
			out[r.ID] = keys
		}
	}
	return out
}

// Restore marks instances fired so a restarted or re-enabled agent does not
// fire stale alerts again. Unknown rule ids are ignored.
func (e *Engine) Restore(fired map[string][]string) {
	for id, keys := range fired {
		slots, ok := e.slots[id]
		if !ok {
			continue
		}
		for _, key := range keys {
			sl := slots[key]
			if sl == nil {
				sl = &slot{labels: series.ParseLabels(key)}
				slots[key] = sl
			}
			sl.fired = true
		}
	}
}

// TakeDropped returns and forgets instance keys removed because their
// series instance disappeared.
func (e *Engine) TakeDropped() map[string][]string {
	out := e.dropped
	e.dropped = map[string][]string{}
	return out
}

// Evaluate runs every sample-driven rule against the tick.
func (e *Engine) Evaluate(t series.Tick) []Firing {
	if !e.running {
		return nil
	}
	var out []Firing
	for _, r := range e.rules {
		if r.Main.Kind == condition.KindPeriodic {
			continue
		}
		r.Main.Observe(t)
		if r.Clear != nil {
			r.Clear.Observe(t)
		}
		slots := e.slots[r.ID]
		if b, ok := r.Main.Subject.Eval(t); ok {
			for _, key := range b.Gone {
				if _, exists := slots[key]; exists {
					delete(slots, key)
					e.dropped[r.ID] = append(e.dropped[r.ID], key)
				}
			}
			if b.Degraded {
				for _, sl := range slots {
					sl.main.since = time.Time{}
				}
			}
			for _, s := range b.Samples {
				sl := e.slot(r.ID, s)
				tr := observe(r.Main, &sl.main, s, b.TS)
				out = append(out, e.mainEdge(r, sl, s.Key, tr, b.TS)...)
			}
		}
		if r.Clear == nil {
			continue
		}
		if b, ok := r.Clear.Subject.Eval(t); ok {
			if b.Degraded {
				for _, sl := range slots {
					sl.clear.since = time.Time{}
				}
			}
			for _, s := range b.Samples {
				sl, exists := slots[s.Key]
				if !exists {
					continue
				}
				tr := observe(r.Clear, &sl.clear, s, b.TS)
				sl.value = s.Value
				out = append(out, e.clearEdge(r, sl, s.Key, tr, b.TS)...)
			}
		}
	}
	return out
}

// Advance fires periodic rules that are due. Sustained conditions only fire
// from Evaluate, on a sample taken at least the sustain duration after the
// run began.
func (e *Engine) Advance(now time.Time) []Firing {
	if !e.running {
		return nil
	}
	var out []Firing
	for _, r := range e.rules {
		if r.Main.Kind != condition.KindPeriodic {
			continue
		}
		next, ok := e.next[r.ID]
		if !ok {
			e.next[r.ID] = now.Add(r.Main.Period)
			continue
		}
		if now.Before(next) {
			continue
		}
		for !now.Before(next) {
			next = next.Add(r.Main.Period)
		}
		e.next[r.ID] = next
		out = append(out, Firing{Rule: r, Edge: EdgeFire, Labels: series.Labels{}, Condition: r.Main.Text, At: now})
	}
	return out
}

func (e *Engine) slot(ruleID string, s series.Sample) *slot {
	slots := e.slots[ruleID]
	sl, ok := slots[s.Key]
	if !ok {
		sl = &slot{labels: s.Labels}
		slots[s.Key] = sl
	}
	if sl.labels == nil {
		sl.labels = s.Labels
	}
	sl.value = s.Value
	return sl
}

// observe folds a sample into a track and returns the effective truth. A
// sustained condition reports Unknown while it is still accumulating time.
func observe(c *condition.Condition, tr *track, s series.Sample, now time.Time) condition.Truth {
	if c.Kind == condition.KindTransition {
		if s.Value.IsNone() {
			return condition.Unknown
		}
		cur := s.Value.String()
		result := condition.False
		if tr.hasPrev && tr.prev == c.From && cur == c.To {
			result = condition.True
		}
		tr.prev, tr.hasPrev = cur, true
		return result
	}
	raw := c.Evaluate(s, now)
	if c.Sustain <= 0 {
		return raw
	}
	switch raw {
	case condition.True:
		if tr.since.IsZero() {
			tr.since = now
		}
		if now.Sub(tr.since) >= c.Sustain {
			return condition.True
		}
		return condition.Unknown
	default:
		tr.since = time.Time{}
		return raw
	}
}

func (e *Engine) mainEdge(r *Rule, sl *slot, key string, tr condition.Truth, now time.Time) []Firing {
	if tr == condition.Unknown {
		return nil
	}
	last := sl.main.last
	sl.main.last = tr
	if r.Main.Kind == condition.KindTransition && r.Clear == nil {
		if tr == condition.True {
			return []Firing{e.firing(r, sl, key, EdgeFire, r.Main, now)}
		}
		return nil
	}
	switch {
	case tr == condition.True && !sl.fired && last != condition.True:
		sl.fired = true
		return []Firing{e.firing(r, sl, key, EdgeFire, r.Main, now)}
	case tr == condition.False && sl.fired && r.Clear == nil:
		sl.fired = false
		return []Firing{e.firing(r, sl, key, EdgeClear, r.Main, now)}
	}
	return nil
}

func (e *Engine) clearEdge(r *Rule, sl *slot, key string, tr condition.Truth, now time.Time) []Firing {
	if tr == condition.Unknown {
		return nil
	}
	sl.clear.last = tr
	if tr == condition.True && sl.fired {
		sl.fired = false
		return []Firing{e.firing(r, sl, key, EdgeClear, r.Clear, now)}
	}
	return nil
}

func (e *Engine) firing(r *Rule, sl *slot, key string, edge Edge, c *condition.Condition, now time.Time) Firing {
	return Firing{
		Rule:      r,
		Edge:      edge,
		Key:       key,
		Labels:    sl.labels,
		Value:     sl.value,
		Monitor:   c.SubjectName,
		Condition: c.Text,
		At:        now,
	}
}
