package main

import (
	"reflect"
	"testing"
)

func TestPendingSkipsAppliedAndSortsByVersion(t *testing.T) {
	files := []string{"migrations/002_agent_reports.sql", "migrations/010_extra.sql", "migrations/001_agent_state.sql"}
	todo, skipped := pending(files, map[string]bool{"001_agent_state": true})
	if want := []string{"migrations/002_agent_reports.sql", "migrations/010_extra.sql"}; !reflect.DeepEqual(todo, want) {
		t.Fatalf("expected %v, got %v", want, todo)
	}
	if want := []string{"migrations/001_agent_state.sql"}; !reflect.DeepEqual(skipped, want) {
		t.Fatalf("expected %v, got %v", want, skipped)
	}
}

func TestPendingAllApplied(t *testing.T) {
	todo, skipped := pending([]string{"m/001_a.sql"}, map[string]bool{"001_a": true})
	if len(todo) != 0 || len(skipped) != 1 {
		t.Fatalf("expected nothing to run, got todo=%v skipped=%v", todo, skipped)
	}
}

func TestVersionStripsDirAndSuffix(t *testing.T) {
	if got := version("/srv/migrations/001_agent_state.sql"); got != "001_agent_state" {
		t.Fatalf("unexpected version %q", got)
	}
}
