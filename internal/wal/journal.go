// Package wal provides a JSON journal file that can back the durable queue
// on hosts without SQLite. The whole record set is rewritten on every
// mutation through a temp file and an atomic rename, so a crash leaves either
// the old or the new journal on disk, never a torn one.
package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/clawinfra/examsync/internal/types"
)

// FileName is the journal file inside the journal directory.
const FileName = "queue.json"

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("wal: journal closed")

// Journal stores queue records as a JSON array in a single file.
type Journal struct {
	dir     string
	mu      sync.Mutex
	records map[string]types.Record
	closed  bool
}

// New creates or opens a journal in dir.
func New(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	j := &Journal{dir: dir, records: make(map[string]types.Record)}
	if err := j.load(); err != nil {
		return nil, fmt.Errorf("load wal: %w", err)
	}
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return filepath.Join(j.dir, FileName)
}

// Load returns a snapshot of the journaled records.
func (j *Journal) Load(_ context.Context) ([]types.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sorted(), nil
}

// Put stores rec, replacing any record with the same id.
func (j *Journal) Put(_ context.Context, rec types.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	prev, had := j.records[rec.ID]
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	j.records[rec.ID] = rec
	if err := j.persist(); err != nil {
		if had {
			j.records[rec.ID] = prev
		} else {
			delete(j.records, rec.ID)
		}
		return err
	}
	return nil
}

// Delete removes the record with id.
func (j *Journal) Delete(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	prev, had := j.records[id]
	if !had {
		return nil
	}
	delete(j.records, id)
	if err := j.persist(); err != nil {
		j.records[id] = prev
		return err
	}
	return nil
}

// Close marks the journal closed. The file stays on disk.
func (j *Journal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return nil
}

// Len returns the number of journaled records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

func (j *Journal) sorted() []types.Record {
	out := make([]types.Record, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (j *Journal) persist() error {
	data, err := json.MarshalIndent(j.sorted(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wal: %w", err)
	}

	tmp, err := os.CreateTemp(j.dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create wal temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) } //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return fmt.Errorf("write wal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return fmt.Errorf("sync wal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close wal temp: %w", err)
	}
	if err := os.Rename(tmpName, j.Path()); err != nil {
		cleanup()
		return fmt.Errorf("rename wal: %w", err)
	}
	return nil
}

func (j *Journal) load() error {
	data, err := os.ReadFile(j.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var recs []types.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		j.records[r.ID] = r
	}
	return nil
}
