package series

import (
	"sort"
	"strings"
)

// Labels identify one instance of a wildcard or placeholder series.
type Labels map[string]string

// Key renders labels as comma separated key=value pairs sorted by key.
func (l Labels) Key() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
	}
	return b.String()
}

func (l Labels) Merge(other Labels) Labels {
	if len(other) == 0 {
		return l
	}
	out := make(Labels, len(l)+len(other))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// ParseLabels is the inverse of Labels.Key.
func ParseLabels(key string) Labels {
	out := Labels{}
	if key == "" {
		return out
	}
	for _, pair := range strings.Split(key, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
