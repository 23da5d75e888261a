package series

import "fmt"

type uriExpr struct {
	uri    string
	labels Labels
}

// URI reads a telemetry URI as delivered by the source.
func URI(uri string) Expr { return uriExpr{uri: uri} }

// LabeledURI adds fixed labels to every sample, typically the values that
// replaced placeholders in the URI template.
func LabeledURI(uri string, labels Labels) Expr { return uriExpr{uri: uri, labels: labels} }

func (e uriExpr) Key() string {
	if len(e.labels) == 0 {
		return fmt.Sprintf("uri(%s)", e.uri)
	}
	return fmt.Sprintf("uri(%s|%s)", e.uri, e.labels.Key())
}

func (e uriExpr) build(p *Pool) Node {
	p.uris[e.uri] = struct{}{}
	return &rawNode{key: e.Key(), uri: e.uri, labels: e.labels}
}

type rawNode struct {
	memo
	key    string
	uri    string
	labels Labels
}

func (n *rawNode) Key() string { return n.key }

func (n *rawNode) Eval(t Tick) (Batch, bool) {
	if b, ok, hit := n.get(t); hit {
		return b, ok
	}
	in, ok := t.Batches[n.uri]
	if !ok {
		return n.put(t, Batch{}, false)
	}
	if len(n.labels) == 0 {
		return n.put(t, in, true)
	}
	out := Batch{TS: in.TS, Degraded: in.Degraded}
	for _, s := range in.Samples {
		out.Samples = append(out.Samples, NewSample(s.Labels.Merge(n.labels), s.Value))
	}
	for _, key := range in.Gone {
		out.Gone = append(out.Gone, ParseLabels(key).Merge(n.labels).Key())
	}
	out.Sort()
	return n.put(t, out, true)
}
