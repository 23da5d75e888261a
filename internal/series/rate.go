package series

import (
	"fmt"
	"time"
)

type rateExpr struct {
	in     Expr
	window time.Duration
}

// Rate emits the per-second first difference of a counter over a sliding
// window. A decrease is a counter reset: the node emits 0 and restarts its
// history from the new reading.
func Rate(in Expr, window time.Duration) Expr { return rateExpr{in: in, window: window} }

func (e rateExpr) Key() string { return fmt.Sprintf("rate(%s,%s)", e.in.Key(), e.window) }

func (e rateExpr) build(p *Pool) Node {
	return &rateNode{key: e.Key(), in: p.Build(e.in), window: e.window, history: map[string][]point{}}
}

type rateNode struct {
	memo
	key     string
	in      Node
	window  time.Duration
	history map[string][]point
}

func (n *rateNode) Key() string { return n.key }

func (n *rateNode) Eval(t Tick) (Batch, bool) {
	if b, ok, hit := n.get(t); hit {
		return b, ok
	}
	in, ok := n.in.Eval(t)
	if !ok {
		return n.put(t, Batch{}, false)
	}
	dropGone(n.history, in.Gone)
	out := Batch{TS: in.TS, Gone: in.Gone, Degraded: in.Degraded}
	for _, s := range in.Samples {
		v, ok := s.Value.Float()
		if !ok {
			continue
		}
		if r, emit := n.observe(s.Key, point{ts: in.TS, v: v}); emit {
			out.Samples = append(out.Samples, Sample{Key: s.Key, Labels: s.Labels, Value: Number(r)})
		}
	}
	return n.put(t, out, true)
}

func (n *rateNode) observe(key string, p point) (float64, bool) {
	h := n.history[key]
	if len(h) > 0 {
		last := h[len(h)-1]
		if !p.ts.After(last.ts) {
			return 0, false
		}
		if p.v < last.v {
			n.history[key] = []point{p}
			return 0, true
		}
	}
	h = append(h, p)
	cutoff := p.ts.Add(-n.window)
	for len(h) > 1 && !h[1].ts.After(cutoff) {
		h = h[1:]
	}
	n.history[key] = h
	anchor := h[0]
	if len(h) < 2 || anchor.ts.After(cutoff) {
		return 0, false
	}
	elapsed := p.ts.Sub(anchor.ts).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return (p.v - anchor.v) / elapsed, true
}
