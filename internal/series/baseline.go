package series

import (
	"fmt"
	"time"
)

const (
	DefaultBaselineLearning = 10 * time.Minute
	DefaultBaselineWindow   = time.Hour
)

type BaselineConfig struct {
	HighFactor      float64
	LowFactor       float64
	InitialLearning time.Duration
	Window          time.Duration
}

func (c BaselineConfig) normalize() BaselineConfig {
	if c.HighFactor == 0 {
		c.HighFactor = 1
	}
	if c.LowFactor == 0 {
		c.LowFactor = 1
	}
	if c.InitialLearning <= 0 {
		c.InitialLearning = DefaultBaselineLearning
	}
	if c.Window <= 0 {
		c.Window = DefaultBaselineWindow
	}
	return c
}

type baselineExpr struct {
	in  Expr
	cfg BaselineConfig
}

// Baseline learns the normal band of a series. Nothing is emitted until the
// initial learning period has elapsed for an instance; afterwards each
// sample yields an envelope scaled from the min and max of the earlier
// samples in the continuous learning window.
func Baseline(in Expr, cfg BaselineConfig) Expr {
	return baselineExpr{in: in, cfg: cfg.normalize()}
}

func (e baselineExpr) Key() string {
	return fmt.Sprintf("baseline(%s,%g,%g,%s,%s)", e.in.Key(), e.cfg.HighFactor, e.cfg.LowFactor, e.cfg.InitialLearning, e.cfg.Window)
}

func (e baselineExpr) build(p *Pool) Node {
	return &baselineNode{
		key:       e.Key(),
		in:        p.Build(e.in),
		cfg:       e.cfg,
		history:   map[string][]point{},
		firstSeen: map[string]time.Time{},
	}
}

type baselineNode struct {
	memo
	key       string
	in        Node
	cfg       BaselineConfig
	history   map[string][]point
	firstSeen map[string]time.Time
}

func (n *baselineNode) Key() string { return n.key }

func (n *baselineNode) Eval(t Tick) (Batch, bool) {
	if b, ok, hit := n.get(t); hit {
		return b, ok
	}
	in, ok := n.in.Eval(t)
	if !ok {
		return n.put(t, Batch{}, false)
	}
	dropGone(n.history, in.Gone)
	for _, key := range in.Gone {
		delete(n.firstSeen, key)
	}
	out := Batch{TS: in.TS, Gone: in.Gone, Degraded: in.Degraded}
	cutoff := in.TS.Add(-n.cfg.Window)
	for _, s := range in.Samples {
		v, ok := s.Value.Float()
		if !ok {
			continue
		}
		first, seen := n.firstSeen[s.Key]
		if !seen {
			first = in.TS
			n.firstSeen[s.Key] = first
		}
		h := append(n.history[s.Key], point{ts: in.TS, v: v})
		for len(h) > 0 && h[0].ts.Before(cutoff) {
			h = h[1:]
		}
		n.history[s.Key] = h
		if in.TS.Sub(first) < n.cfg.InitialLearning {
			continue
		}
		// the envelope describes history, not the reading being judged
		values := make([]float64, 0, len(h))
		for _, p := range h[:len(h)-1] {
			values = append(values, p.v)
		}
		lo, hi, ok := MinMax(values)
		if !ok {
			continue
		}
		out.Samples = append(out.Samples, Sample{Key: s.Key, Labels: s.Labels, Value: Envelope(lo*n.cfg.LowFactor, hi*n.cfg.HighFactor)})
	}
	return n.put(t, out, true)
}
