package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Report is one custom HTML report emitted by an agent. Errors carries the
// action failures that happened since the previous report.
type Report struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Title     string    `json:"title"`
	HTML      string    `json:"html"`
	Errors    []string  `json:"errors,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ReportStore interface {
	AddReport(ctx context.Context, r Report) (string, error)
	ListReports(ctx context.Context, agentID string, limit int) ([]Report, error)
	DeleteReports(ctx context.Context, agentID string) error
}

const defaultReportLimit = 50

type MemoryReports struct {
	mu      sync.RWMutex
	reports map[string][]Report
	// Keep bounds the reports retained per agent; zero keeps everything.
	Keep int
}

func NewMemoryReports() *MemoryReports {
	return &MemoryReports{reports: map[string][]Report{}, Keep: 100}
}

func (m *MemoryReports) AddReport(_ context.Context, r Report) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.reports[r.AgentID], r)
	if m.Keep > 0 && len(list) > m.Keep {
		list = list[len(list)-m.Keep:]
	}
	m.reports[r.AgentID] = list
	return r.ID, nil
}

// ListReports returns the newest reports first.
func (m *MemoryReports) ListReports(_ context.Context, agentID string, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = defaultReportLimit
	}
	m.mu.RLock()
	list := append([]Report(nil), m.reports[agentID]...)
	m.mu.RUnlock()
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MemoryReports) DeleteReports(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reports, agentID)
	return nil
}
