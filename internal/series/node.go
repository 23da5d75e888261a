package series

import (
	"sort"
	"time"
)

// Node is a materialized series. Eval returns the batch the node emits for
// the tick, or false when it has nothing new. Nodes memoize per tick so a
// node shared by several monitors or rules advances once.
type Node interface {
	Key() string
	Eval(t Tick) (Batch, bool)
}

// Expr describes a series without materializing it. Equal keys describe
// equivalent series.
type Expr interface {
	Key() string
	build(p *Pool) Node
}

// Pool interns nodes by expression key.
type Pool struct {
	nodes map[string]Node
	uris  map[string]struct{}
}

func NewPool() *Pool {
	return &Pool{nodes: map[string]Node{}, uris: map[string]struct{}{}}
}

func (p *Pool) Build(e Expr) Node {
	key := e.Key()
	if n, ok := p.nodes[key]; ok {
		return n
	}
	n := e.build(p)
	p.nodes[key] = n
	return n
}

func (p *Pool) Len() int { return len(p.nodes) }

// URIs lists every telemetry URI the pool's nodes read from.
func (p *Pool) URIs() []string {
	out := make([]string, 0, len(p.uris))
	for uri := range p.uris {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

type memo struct {
	set bool
	seq uint64
	out Batch
	ok  bool
}

func (m *memo) get(t Tick) (Batch, bool, bool) {
	if m.set && m.seq == t.Seq {
		return m.out, m.ok, true
	}
	return Batch{}, false, false
}

func (m *memo) put(t Tick, b Batch, ok bool) (Batch, bool) {
	m.set, m.seq, m.out, m.ok = true, t.Seq, b, ok
	return b, ok
}

type point struct {
	ts time.Time
	v  float64
}

func dropGone(state map[string][]point, gone []string) {
	for _, key := range gone {
		delete(state, key)
	}
}
