package xalog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is a non-durable Log for tests and throwaway setups.
type MemoryLog struct {
	mu      sync.Mutex
	records map[string][]Record
	closed  bool
}

// NewMemory returns an empty in-memory log.
func NewMemory() *MemoryLog {
	return &MemoryLog{records: make(map[string][]Record)}
}

func (m *MemoryLog) Append(_ context.Context, gid string, outcome Outcome) error {
	if err := checkAppend(gid, outcome); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[gid] = append(m.records[gid], Record{Gid: gid, Outcome: outcome, Time: time.Now()})
	return nil
}

func (m *MemoryLog) IsCommitted(_ context.Context, gid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	for _, r := range m.records[gid] {
		if r.Outcome == OutcomeCommit {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryLog) Records(_ context.Context, gid string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Record, len(m.records[gid]))
	copy(out, m.records[gid])
	return out, nil
}

func (m *MemoryLog) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
