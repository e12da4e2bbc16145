package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/clawinfra/examsync/internal/types"
)

// MemoryBackend keeps records in process memory. It is used by tests and by
// clients that opt out of persistence. FailWith makes every later write fail.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]types.Record
	failErr error
	puts    int
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]types.Record)}
}

// FailWith makes Put and Delete return err until called with nil.
func (m *MemoryBackend) FailWith(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// Puts returns how many successful writes were made.
func (m *MemoryBackend) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *MemoryBackend) Load(_ context.Context) ([]types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Record, 0, len(m.records))
	for _, r := range m.records {
		r.Payload = append([]byte(nil), r.Payload...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) Put(_ context.Context, r types.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	r.Payload = append([]byte(nil), r.Payload...)
	m.records[r.ID] = r
	m.puts++
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
