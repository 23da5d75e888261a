package telemetry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"nae-runtime/internal/series"
)

// decodeLeaf pulls the first requested attribute out of an instance
// document. Documents that do not have the expected shape report false.
func decodeLeaf(body []byte, attrs []string) (series.Value, bool) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return series.Value{}, false
	}
	if len(attrs) == 0 {
		return series.FromJSON(doc)
	}
	cur := doc
	for _, part := range strings.Split(attrs[0], ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return series.Value{}, false
		}
		cur, ok = obj[part]
		if !ok {
			return series.Value{}, false
		}
	}
	return series.FromJSON(cur)
}

// decodeInstances lists collection members. Collections come back either as
// an object keyed by instance name or as an array of member URIs.
func decodeInstances(body []byte) ([]string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	names := []string{}
	switch t := doc.(type) {
	case map[string]any:
		for key := range t {
			names = append(names, unescape(key))
		}
	case []any:
		for _, item := range t {
			ref, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected collection member %T", item)
			}
			ref = strings.TrimRight(ref, "/")
			names = append(names, unescape(ref[strings.LastIndex(ref, "/")+1:]))
		}
	default:
		return nil, fmt.Errorf("unexpected collection document %T", doc)
	}
	sort.Strings(names)
	return names, nil
}

func unescape(name string) string {
	if out, err := url.PathUnescape(name); err == nil {
		return out
	}
	return name
}
