package series

import (
	"sort"
	"time"
)

// Latest remembers the newest sample per instance of a series and serves it
// for up to one cadence after it was observed. The cadence is the spacing of
// the last two batches.
type Latest struct {
	samples  map[string]Sample
	at       map[string]time.Time
	lastTS   time.Time
	prevTS   time.Time
	degraded bool
	seeded   map[string]bool
}

func NewLatest() *Latest {
	return &Latest{samples: map[string]Sample{}, at: map[string]time.Time{}}
}

func (l *Latest) Observe(b Batch) {
	if !b.TS.IsZero() && b.TS.After(l.lastTS) {
		l.prevTS, l.lastTS = l.lastTS, b.TS
	}
	l.degraded = b.Degraded
	if len(l.seeded) > 0 && (len(b.Samples) > 0 || len(b.Gone) > 0) {
		for key := range l.seeded {
			delete(l.samples, key)
			delete(l.at, key)
		}
		l.seeded = nil
	}
	for _, key := range b.Gone {
		delete(l.samples, key)
		delete(l.at, key)
	}
	for _, s := range b.Samples {
		l.samples[s.Key] = s
		l.at[s.Key] = b.TS
	}
}

// Seed restores a value persisted before a restart. Seeded values show up
// in All but are never fresh for Get, and the first live batch replaces
// them.
func (l *Latest) Seed(key string, v Value) {
	if _, live := l.samples[key]; live && !l.seeded[key] {
		return
	}
	if l.seeded == nil {
		l.seeded = map[string]bool{}
	}
	l.samples[key] = Sample{Key: key, Value: v}
	l.at[key] = time.Time{}
	l.seeded[key] = true
}

func (l *Latest) Cadence() time.Duration {
	if l.prevTS.IsZero() {
		return 0
	}
	return l.lastTS.Sub(l.prevTS)
}

func (l *Latest) Degraded() bool { return l.degraded }

func (l *Latest) Get(key string, now time.Time) (Sample, bool) {
	if l.degraded {
		return Sample{}, false
	}
	s, ok := l.samples[key]
	if !ok {
		return Sample{}, false
	}
	if now.Sub(l.at[key]) > l.Cadence() {
		return Sample{}, false
	}
	return s, true
}

func (l *Latest) Keys() []string {
	keys := make([]string, 0, len(l.samples))
	for k := range l.samples {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns the newest sample of every instance regardless of age.
func (l *Latest) All() []Sample {
	out := make([]Sample, 0, len(l.samples))
	for _, k := range l.Keys() {
		out = append(out, l.samples[k])
	}
	return out
}

// Scalar reports whether the series is a single unlabelled instance, which
// joins against every instance of the other side.
func (l *Latest) Scalar() bool {
	if len(l.samples) != 1 {
		return false
	}
	_, ok := l.samples[""]
	return ok
}

// Resolve finds the sample joined to key: the instance itself, or the
// unlabelled scalar when the series has one.
func (l *Latest) Resolve(key string, now time.Time) (Sample, bool) {
	if l.Scalar() {
		return l.Get("", now)
	}
	return l.Get(key, now)
}
