package series

import (
	"fmt"
	"time"
)

type averageExpr struct {
	in     Expr
	window time.Duration
}

// AverageOverTime emits the sample-weighted mean of the trailing window at
// the input cadence, once an instance has a full window of history. Windows
// holding a single sample emit nothing.
func AverageOverTime(in Expr, window time.Duration) Expr {
	return averageExpr{in: in, window: window}
}

func (e averageExpr) Key() string { return fmt.Sprintf("avg(%s,%s)", e.in.Key(), e.window) }

func (e averageExpr) build(p *Pool) Node {
	return &averageNode{
		key:       e.Key(),
		in:        p.Build(e.in),
		window:    e.window,
		history:   map[string][]point{},
		firstSeen: map[string]time.Time{},
	}
}

type averageNode struct {
	memo
	key       string
	in        Node
	window    time.Duration
	history   map[string][]point
	firstSeen map[string]time.Time
}

func (n *averageNode) Key() string { return n.key }

func (n *averageNode) Eval(t Tick) (Batch, bool) {
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
	cutoff := in.TS.Add(-n.window)
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
		if first.After(cutoff) || len(h) < 2 {
			continue
		}
		values := make([]float64, len(h))
		for i, p := range h {
			values[i] = p.v
		}
		out.Samples = append(out.Samples, Sample{Key: s.Key, Labels: s.Labels, Value: Number(Mean(values))})
	}
	return n.put(t, out, true)
}
