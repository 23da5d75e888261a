package series

import (
	"math"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

func tickOf(seq uint64, sec int, batches map[string]Batch) Tick {
	for uri, b := range batches {
		b.TS = at(sec)
		b.Sort()
		batches[uri] = b
	}
	return Tick{Seq: seq, TS: at(sec), Batches: batches}
}

func scalar(v float64) Batch {
	return Batch{Samples: []Sample{NewSample(Labels{}, Number(v))}}
}

func numbers(t *testing.T, b Batch) []float64 {
	t.Helper()
	out := []float64{}
	for _, s := range b.Samples {
		v, ok := s.Value.Float()
		if !ok {
			t.Fatalf("expected numeric sample, got %v", s.Value)
		}
		out = append(out, v)
	}
	return out
}

func TestRateCounter(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Rate(URI("/c"), 20*time.Second))
	counter := []float64{1000, 1200, 1500, 1800}
	got := []float64{}
	for i, v := range counter {
		out, ok := node.Eval(tickOf(uint64(i+1), i*20, map[string]Batch{"/c": scalar(v)}))
		if !ok {
			t.Fatalf("expected batch at tick %d", i)
		}
		got = append(got, numbers(t, out)...)
	}
	want := []float64{10, 15, 15}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRateCounterReset(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Rate(URI("/c"), 10*time.Second))
	node.Eval(tickOf(1, 0, map[string]Batch{"/c": scalar(100)}))
	node.Eval(tickOf(2, 10, map[string]Batch{"/c": scalar(200)}))
	out, _ := node.Eval(tickOf(3, 20, map[string]Batch{"/c": scalar(5)}))
	got := numbers(t, out)
	if len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected reset to emit 0, got %v", got)
	}
	out, _ = node.Eval(tickOf(4, 30, map[string]Batch{"/c": scalar(55)}))
	got = numbers(t, out)
	if len(got) != 1 || got[0] != 5 {
		t.Fatalf("expected rate 5 after reset, got %v", got)
	}
}

func TestEvalMemoizedPerTick(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Rate(URI("/c"), 10*time.Second))
	node.Eval(tickOf(1, 0, map[string]Batch{"/c": scalar(0)}))
	tick := tickOf(2, 10, map[string]Batch{"/c": scalar(100)})
	first, _ := node.Eval(tick)
	second, _ := node.Eval(tick)
	if numbers(t, first)[0] != 10 || numbers(t, second)[0] != 10 {
		t.Fatalf("expected identical output for repeated evaluation")
	}
}

func TestPoolDeduplicates(t *testing.T) {
	pool := NewPool()
	a := pool.Build(AverageOverTime(URI("/x"), time.Minute))
	b := pool.Build(AverageOverTime(URI("/x"), time.Minute))
	if a != b {
		t.Fatalf("expected equivalent expressions to share a node")
	}
	if pool.Len() != 2 {
		t.Fatalf("expected 2 nodes, got %d", pool.Len())
	}
	if uris := pool.URIs(); len(uris) != 1 || uris[0] != "/x" {
		t.Fatalf("unexpected uris %v", uris)
	}
}

func TestAverageOverTime(t *testing.T) {
	pool := NewPool()
	node := pool.Build(AverageOverTime(URI("/x"), 20*time.Second))
	values := []float64{10, 20, 30, 40}
	var got []float64
	for i, v := range values {
		out, _ := node.Eval(tickOf(uint64(i+1), i*10, map[string]Batch{"/x": scalar(v)}))
		got = append(got, numbers(t, out)...)
	}
	// full window first available at t=20 holding 10,20,30
	want := []float64{20, 30}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestAverageWindowShorterThanSample(t *testing.T) {
	pool := NewPool()
	node := pool.Build(AverageOverTime(URI("/x"), 5*time.Second))
	for i := 0; i < 4; i++ {
		out, _ := node.Eval(tickOf(uint64(i+1), i*10, map[string]Batch{"/x": scalar(1)}))
		if len(out.Samples) != 0 {
			t.Fatalf("expected no value for sub-sample window, got %v", out.Samples)
		}
	}
}

func TestSumCollapsesLabels(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Sum(URI("/if/*")))
	in := Batch{Samples: []Sample{
		NewSample(Labels{"if": "1/1"}, Number(2)),
		NewSample(Labels{"if": "1/2"}, Number(3)),
		NewSample(Labels{"if": "1/3"}, String("down")),
	}}
	out, ok := node.Eval(tickOf(1, 0, map[string]Batch{"/if/*": in}))
	if !ok || len(out.Samples) != 1 {
		t.Fatalf("expected one collapsed sample, got %v", out.Samples)
	}
	if out.Samples[0].Key != "" || out.Samples[0].Value.Num != 5 {
		t.Fatalf("unexpected sum sample %+v", out.Samples[0])
	}
}

func TestRatioDivides(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Ratio(Sum(URI("/c")), Sum(URI("/s"))))
	cs := []float64{12, 13, 9, 8}
	for i, c := range cs {
		out, ok := node.Eval(tickOf(uint64(i+1), i*10, map[string]Batch{"/c": scalar(c), "/s": scalar(10)}))
		if !ok {
			t.Fatalf("expected output at %d", i)
		}
		got := numbers(t, out)
		if len(got) != 1 || math.Abs(got[0]-c/10) > 1e-9 {
			t.Fatalf("expected %v, got %v", c/10, got)
		}
	}
}

func TestRatioZeroDenominator(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Ratio(URI("/a"), URI("/b")))
	out, ok := node.Eval(tickOf(1, 0, map[string]Batch{"/a": scalar(1), "/b": scalar(0)}))
	if !ok || len(out.Samples) != 0 {
		t.Fatalf("expected no value for zero denominator, got %v", out.Samples)
	}
}

func TestRatioUsesLastSampleWithinCadence(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Ratio(URI("/a"), URI("/b")))
	node.Eval(tickOf(1, 0, map[string]Batch{"/a": scalar(1), "/b": scalar(2)}))
	node.Eval(tickOf(2, 10, map[string]Batch{"/a": scalar(2), "/b": scalar(4)}))
	out, _ := node.Eval(tickOf(3, 20, map[string]Batch{"/a": scalar(8)}))
	if got := numbers(t, out); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected held denominator to give 2, got %v", got)
	}
	out, _ = node.Eval(tickOf(4, 40, map[string]Batch{"/a": scalar(8)}))
	if len(out.Samples) != 0 {
		t.Fatalf("expected stale denominator to yield nothing, got %v", out.Samples)
	}
}

func TestRatioBroadcastsScalar(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Ratio(URI("/if/*"), Sum(URI("/if/*"))))
	in := Batch{Samples: []Sample{
		NewSample(Labels{"if": "1/1"}, Number(1)),
		NewSample(Labels{"if": "1/2"}, Number(3)),
	}}
	out, _ := node.Eval(tickOf(1, 0, map[string]Batch{"/if/*": in}))
	got := numbers(t, out)
	if len(got) != 2 || got[0] != 0.25 || got[1] != 0.75 {
		t.Fatalf("expected shares [0.25 0.75], got %v", got)
	}
	if out.Samples[0].Labels["if"] != "1/1" {
		t.Fatalf("expected instance labels to survive, got %v", out.Samples[0].Labels)
	}
}

func TestBaselineLearningThenEnvelope(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Baseline(URI("/x"), BaselineConfig{HighFactor: 1.5, LowFactor: 0.5, InitialLearning: 30 * time.Second, Window: time.Hour}))
	values := []float64{10, 20, 30, 40}
	var last Batch
	for i, v := range values {
		out, _ := node.Eval(tickOf(uint64(i+1), i*10, map[string]Batch{"/x": scalar(v)}))
		if i < 3 && len(out.Samples) != 0 {
			t.Fatalf("expected no envelope while learning, got %v", out.Samples)
		}
		last = out
	}
	if len(last.Samples) != 1 {
		t.Fatalf("expected envelope after learning, got %v", last.Samples)
	}
	env := last.Samples[0].Value
	if env.Kind != KindEnvelope || env.Low != 5 || env.High != 45 {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestGoneDropsInstanceState(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Rate(URI("/if/*"), 10*time.Second))
	inst := func(v float64) Batch {
		return Batch{Samples: []Sample{NewSample(Labels{"if": "1/1"}, Number(v))}}
	}
	node.Eval(tickOf(1, 0, map[string]Batch{"/if/*": inst(10)}))
	out, _ := node.Eval(tickOf(2, 10, map[string]Batch{"/if/*": {Gone: []string{"if=1/1"}}}))
	if len(out.Gone) != 1 {
		t.Fatalf("expected gone key to propagate, got %v", out.Gone)
	}
	out, _ = node.Eval(tickOf(3, 20, map[string]Batch{"/if/*": inst(20)}))
	if len(out.Samples) != 0 {
		t.Fatalf("expected history to restart for returning instance, got %v", out.Samples)
	}
}

func TestDegradedPropagates(t *testing.T) {
	pool := NewPool()
	node := pool.Build(Sum(Rate(URI("/c"), 10*time.Second)))
	out, ok := node.Eval(tickOf(1, 0, map[string]Batch{"/c": {Degraded: true}}))
	if !ok || !out.Degraded {
		t.Fatalf("expected degraded output, got %+v", out)
	}
}

func TestLabeledURIMergesLabels(t *testing.T) {
	pool := NewPool()
	node := pool.Build(LabeledURI("/vrf/red/x", Labels{"vrf": "red"}))
	out, _ := node.Eval(tickOf(1, 0, map[string]Batch{"/vrf/red/x": scalar(1)}))
	if out.Samples[0].Key != "vrf=red" {
		t.Fatalf("expected placeholder label, got %q", out.Samples[0].Key)
	}
}

func TestLabelsKeySorted(t *testing.T) {
	l := Labels{"b": "2", "a": "1"}
	if l.Key() != "a=1,b=2" {
		t.Fatalf("expected sorted key, got %q", l.Key())
	}
	if ParseLabels(l.Key())["b"] != "2" {
		t.Fatalf("expected round trip of label key")
	}
}
