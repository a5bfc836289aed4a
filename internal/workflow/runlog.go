package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunSink persists one structured record per finished run. Records are used
// for audit and analysis, not for resuming mid-run execution.
type RunSink interface {
	Record(ctx context.Context, rec *RunRecord) error
}

// FileSink appends run records as JSON lines to a per-day file under a
// directory. One record per line keeps the log greppable and stream-parsable.
type FileSink struct {
	mu  sync.Mutex
	dir string
}

// NewFileSink creates the directory if needed and returns a sink writing
// under it.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run log directory %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Record appends the record to the current day's log file.
func (s *FileSink) Record(ctx context.Context, rec *RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, rec.EndTime.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}
	return nil
}

// ReadDay loads all records written on the given day, oldest first.
// Used by monitoring tools to summarize recent runs.
func (s *FileSink) ReadDay(day time.Time) ([]*RunRecord, error) {
	s.mu.Lock()
	path := filepath.Join(s.dir, day.Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run log %s: %w", path, err)
	}

	var records []*RunRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec RunRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode run record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// MemorySink collects records in memory. Intended for tests.
type MemorySink struct {
	mu      sync.Mutex
	records []*RunRecord
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record stores the record.
func (s *MemorySink) Record(ctx context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of all stored records.
func (s *MemorySink) Records() []*RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RunRecord, len(s.records))
	copy(out, s.records)
	return out
}
