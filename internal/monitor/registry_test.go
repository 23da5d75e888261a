package monitor

import (
	"errors"
	"testing"
	"time"

	"nae-runtime/internal/series"
)

func TestDefineRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry(nil)
	if _, err := reg.Define("cpu", series.URI("/cpu")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := reg.Define("cpu", series.URI("/mem"))
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestEquivalentMonitorsShareNode(t *testing.T) {
	reg := NewRegistry(nil)
	a, _ := reg.Define("a", series.Rate(series.URI("/rx"), time.Minute))
	b, _ := reg.Define("b", series.Rate(series.URI("/rx"), time.Minute))
	if a.Node != b.Node {
		t.Fatalf("expected shared node")
	}
	if uris := reg.URIs(); len(uris) != 1 {
		t.Fatalf("expected one subscription, got %v", uris)
	}
}

func TestObserveReportsHealthOnce(t *testing.T) {
	reg := NewRegistry(nil)
	_, _ = reg.Define("cpu", series.URI("/cpu"))
	ts := time.Unix(0, 0)
	degraded := series.Tick{Seq: 1, TS: ts, Batches: map[string]series.Batch{"/cpu": {TS: ts, Degraded: true}}}
	if changes := reg.Observe(degraded); len(changes) != 1 || !changes[0].Degraded {
		t.Fatalf("expected degraded change, got %v", changes)
	}
	degraded.Seq = 2
	if changes := reg.Observe(degraded); len(changes) != 0 {
		t.Fatalf("expected no repeated change, got %v", changes)
	}
	ok := series.Tick{Seq: 3, TS: ts, Batches: map[string]series.Batch{"/cpu": {TS: ts, Samples: []series.Sample{series.NewSample(nil, series.Number(4))}}}}
	changes := reg.Observe(ok)
	if len(changes) != 1 || changes[0].Degraded {
		t.Fatalf("expected recovery change, got %v", changes)
	}
	if v := reg.Snapshot()["cpu"][""]; v.Num != 4 {
		t.Fatalf("expected cached value 4, got %v", v)
	}
}
