package series

import (
	"sort"
	"time"
)

type Sample struct {
	Key    string
	Labels Labels
	Value  Value
}

func NewSample(labels Labels, value Value) Sample {
	return Sample{Key: labels.Key(), Labels: labels, Value: value}
}

// Batch is everything one series produced at a single timestamp.
// Gone lists instance keys that disappeared since the previous batch.
// A degraded batch carries no samples and is read by rules as unknown.
type Batch struct {
	TS       time.Time
	Samples  []Sample
	Gone     []string
	Degraded bool
}

func (b Batch) Lookup(key string) (Sample, bool) {
	i := sort.Search(len(b.Samples), func(i int) bool { return b.Samples[i].Key >= key })
	if i < len(b.Samples) && b.Samples[i].Key == key {
		return b.Samples[i], true
	}
	return Sample{}, false
}

// Sort orders samples by label key so downstream evaluation is deterministic.
func (b *Batch) Sort() {
	sort.Slice(b.Samples, func(i, j int) bool { return b.Samples[i].Key < b.Samples[j].Key })
	sort.Strings(b.Gone)
}

// Tick groups the batches of every URI polled in one source round.
type Tick struct {
	Seq     uint64
	TS      time.Time
	Batches map[string]Batch
}
