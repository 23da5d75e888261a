package telemetry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"nae-runtime/internal/series"
)

const (
	wildcard    = "*"
	placeholder = "{}"
)

// URI is a parsed telemetry path: segments may contain the * wildcard and
// the query carries attributes=<leaf> and an optional filter=<key>:<value>.
type URI struct {
	raw      string
	segments []string
	query    url.Values
}

func Parse(raw string) (URI, error) {
	if !strings.HasPrefix(raw, "/") {
		return URI{}, fmt.Errorf("uri %q must be absolute", raw)
	}
	if strings.Contains(raw, placeholder) {
		return URI{}, fmt.Errorf("uri %q has unbound placeholders", raw)
	}
	path, rawQuery, _ := strings.Cut(raw, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return URI{}, fmt.Errorf("uri %q: %w", raw, err)
	}
	segments := []string{}
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return URI{}, errors.New("uri has no path")
	}
	return URI{raw: raw, segments: segments, query: query}, nil
}

func (u URI) String() string { return u.raw }

func (u URI) Segments() []string { return append([]string(nil), u.segments...) }

func (u URI) HasWildcard() bool {
	for _, seg := range u.segments {
		if seg == wildcard {
			return true
		}
	}
	return false
}

// Attributes lists the requested leaves. Nested leaves use dots.
func (u URI) Attributes() []string {
	out := []string{}
	for _, v := range u.query["attributes"] {
		for _, attr := range strings.Split(v, ",") {
			if attr = strings.TrimSpace(attr); attr != "" {
				out = append(out, attr)
			}
		}
	}
	return out
}

func (u URI) Filter() string { return u.query.Get("filter") }

// Query is the query string sent with every instance read.
func (u URI) Query() url.Values {
	out := url.Values{}
	for k, v := range u.query {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func labelName(segments []string, i int) string {
	if i > 0 && segments[i-1] != wildcard && segments[i-1] != placeholder {
		if name, err := url.PathUnescape(segments[i-1]); err == nil {
			return name
		}
		return segments[i-1]
	}
	return fmt.Sprintf("instance%d", i)
}

// Substitute fills {} placeholders from args in order. Path placeholders are
// escaped and recorded as labels keyed by the preceding segment; query
// placeholders are substituted as query values.
func Substitute(template string, args ...any) (string, series.Labels, error) {
	if want := strings.Count(template, placeholder); want != len(args) {
		return "", nil, fmt.Errorf("uri %q has %d placeholders, got %d values", template, want, len(args))
	}
	path, rawQuery, hasQuery := strings.Cut(template, "?")
	labels := series.Labels{}
	next := 0
	orig := strings.Split(path, "/")
	segments := append([]string(nil), orig...)
	for i, seg := range orig {
		if !strings.Contains(seg, placeholder) {
			continue
		}
		var b strings.Builder
		rest := seg
		for {
			before, after, found := strings.Cut(rest, placeholder)
			b.WriteString(before)
			if !found {
				break
			}
			text := argText(args[next])
			next++
			b.WriteString(url.PathEscape(text))
			rest = after
		}
		if seg == placeholder {
			labels[labelName(orig, i)] = argText(args[next-1])
		}
		segments[i] = b.String()
	}
	out := strings.Join(segments, "/")
	if hasQuery {
		var b strings.Builder
		rest := rawQuery
		for {
			before, after, found := strings.Cut(rest, placeholder)
			b.WriteString(before)
			if !found {
				break
			}
			b.WriteString(url.QueryEscape(argText(args[next])))
			next++
			rest = after
		}
		out += "?" + b.String()
	}
	return out, labels, nil
}

type plainTexter interface {
	Plain() string
}

func argText(arg any) string {
	if p, ok := arg.(plainTexter); ok {
		return p.Plain()
	}
	return fmt.Sprint(arg)
}
