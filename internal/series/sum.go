package series

import "fmt"

type sumExpr struct {
	in Expr
}

// Sum collapses all instances of a series into one unlabelled sample per
// timestamp.
func Sum(in Expr) Expr { return sumExpr{in: in} }

func (e sumExpr) Key() string { return fmt.Sprintf("sum(%s)", e.in.Key()) }

func (e sumExpr) build(p *Pool) Node {
	return &sumNode{key: e.Key(), in: p.Build(e.in)}
}

type sumNode struct {
	memo
	key string
	in  Node
}

func (n *sumNode) Key() string { return n.key }

func (n *sumNode) Eval(t Tick) (Batch, bool) {
	if b, ok, hit := n.get(t); hit {
		return b, ok
	}
	in, ok := n.in.Eval(t)
	if !ok {
		return n.put(t, Batch{}, false)
	}
	if in.Degraded {
		return n.put(t, Batch{TS: in.TS, Degraded: true}, true)
	}
	total, count := 0.0, 0
	for _, s := range in.Samples {
		if v, ok := s.Value.Float(); ok {
			total += v
			count++
		}
	}
	if count == 0 {
		return n.put(t, Batch{}, false)
	}
	return n.put(t, Batch{TS: in.TS, Samples: []Sample{NewSample(Labels{}, Number(total))}}, true)
}
