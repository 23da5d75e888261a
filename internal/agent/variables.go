package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"nae-runtime/internal/security"
	"nae-runtime/internal/storage"
)

const storeTimeout = 5 * time.Second

// Variables is the agent's durable string store. Reads come from memory;
// writes go through to the backing store and become visible only once
// stored. Typed accessors never coerce silently: a value that does not parse
// is an error.
type Variables struct {
	agentID string
	store   storage.Store
	logger  *slog.Logger
	values  map[string]string
}

func loadVariables(ctx context.Context, agentID string, store storage.Store, logger *slog.Logger) (*Variables, error) {
	v := &Variables{agentID: agentID, store: store, logger: logger, values: map[string]string{}}
	entries, err := store.List(ctx, agentID, storage.VarPrefix)
	if err != nil {
		return nil, fmt.Errorf("load variables: %w", err)
	}
	for k, val := range entries {
		v.values[strings.TrimPrefix(k, storage.VarPrefix)] = val
	}
	return v, nil
}

func (v *Variables) Get(key string) (string, bool) {
	val, ok := v.values[key]
	return val, ok
}

func (v *Variables) Set(key, value string) error {
	if !security.IsSafeKey(key) {
		return fmt.Errorf("invalid variable key %q", key)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := v.store.Put(ctx, v.agentID, storage.VarKey(key), value); err != nil {
		v.logger.Error("variable write failed", slog.String("key", key), slog.String("error", err.Error()))
		return err
	}
	v.values[key] = value
	return nil
}

func (v *Variables) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := v.store.Delete(ctx, v.agentID, storage.VarKey(key)); err != nil {
		v.logger.Error("variable delete failed", slog.String("key", key), slog.String("error", err.Error()))
		return err
	}
	delete(v.values, key)
	return nil
}

func (v *Variables) Keys() []string {
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns a copy of every variable.
func (v *Variables) All() map[string]string {
	out := make(map[string]string, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

func (v *Variables) Int(key string) (int64, error) {
	val, ok := v.values[key]
	if !ok {
		return 0, fmt.Errorf("variable %q is not set", key)
	}
	return strconv.ParseInt(val, 10, 64)
}

func (v *Variables) Float(key string) (float64, error) {
	val, ok := v.values[key]
	if !ok {
		return 0, fmt.Errorf("variable %q is not set", key)
	}
	return strconv.ParseFloat(val, 64)
}

func (v *Variables) Bool(key string) (bool, error) {
	val, ok := v.values[key]
	if !ok {
		return false, fmt.Errorf("variable %q is not set", key)
	}
	return strconv.ParseBool(val)
}
