package series

import (
	"fmt"
	"sort"
)

type ratioExpr struct {
	num Expr
	den Expr
}

// Ratio divides num by den per instance. When one side has no sample at the
// tick its last sample is used if it is at most one cadence old. A zero
// denominator produces no value.
func Ratio(num, den Expr) Expr { return ratioExpr{num: num, den: den} }

func (e ratioExpr) Key() string { return fmt.Sprintf("ratio(%s,%s)", e.num.Key(), e.den.Key()) }

func (e ratioExpr) build(p *Pool) Node {
	return &ratioNode{
		key: e.Key(),
		num: p.Build(e.num),
		den: p.Build(e.den),
		ln:  NewLatest(),
		ld:  NewLatest(),
	}
}

type ratioNode struct {
	memo
	key      string
	num, den Node
	ln, ld   *Latest
}

func (n *ratioNode) Key() string { return n.key }

func (n *ratioNode) Eval(t Tick) (Batch, bool) {
	if b, ok, hit := n.get(t); hit {
		return b, ok
	}
	nb, nok := n.num.Eval(t)
	db, dok := n.den.Eval(t)
	if !nok && !dok {
		return n.put(t, Batch{}, false)
	}
	out := Batch{TS: t.TS}
	if nok {
		n.ln.Observe(nb)
		out.Gone = append(out.Gone, nb.Gone...)
		out.Degraded = nb.Degraded
		if !nb.TS.IsZero() {
			out.TS = nb.TS
		}
	}
	if dok {
		n.ld.Observe(db)
		out.Gone = append(out.Gone, db.Gone...)
		out.Degraded = out.Degraded || db.Degraded
		if !nok && !db.TS.IsZero() {
			out.TS = db.TS
		}
	}
	if out.Degraded {
		out.Gone = nil
		return n.put(t, out, true)
	}
	for _, key := range n.joinKeys() {
		ns, ok := n.ln.Resolve(key, out.TS)
		if !ok {
			continue
		}
		ds, ok := n.ld.Resolve(key, out.TS)
		if !ok {
			continue
		}
		nv, ok := ns.Value.Float()
		if !ok {
			continue
		}
		dv, ok := ds.Value.Float()
		if !ok || dv == 0 {
			continue
		}
		labels := ns.Labels
		if len(labels) == 0 {
			labels = ds.Labels
		}
		out.Samples = append(out.Samples, Sample{Key: key, Labels: labels, Value: Number(nv / dv)})
	}
	sort.Strings(out.Gone)
	return n.put(t, out, true)
}

func (n *ratioNode) joinKeys() []string {
	switch {
	case n.ln.Scalar() && !n.ld.Scalar():
		return n.ld.Keys()
	case n.ld.Scalar() && !n.ln.Scalar():
		return n.ln.Keys()
	}
	seen := map[string]struct{}{}
	keys := []string{}
	for _, k := range append(n.ln.Keys(), n.ld.Keys()...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
