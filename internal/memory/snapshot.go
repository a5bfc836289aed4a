package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/HKUDS/AI-Trader-sub000/internal/logging"
)

// snapshot is the on-disk form of the store. Per-symbol views are rebuilt
// on load, so only the record list is persisted.
type snapshot struct {
	SavedAt time.Time `json:"saved_at"`
	Records []*Record `json:"records"`
}

// Snapshot writes all live records to path atomically (write to a temp file,
// then rename).
func (s *Store) Snapshot(path string) error {
	s.mu.RLock()
	snap := snapshot{
		SavedAt: s.now(),
		Records: make([]*Record, len(s.records)),
	}
	copy(snap.Records, s.records)
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Restore replaces the store contents with a previously saved snapshot.
// Records past the retention window are dropped immediately; the rest are
// re-inserted oldest first so eviction order and budget accounting match a
// live store. A missing snapshot file is not an error.
func (s *Store) Restore(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	s.byHash = make(map[string]*Record)
	s.bySymbol = make(map[string][]*Record)
	s.tokens = 0

	cutoff := s.now().Add(-s.retention)
	for _, rec := range snap.Records {
		if !rec.Timestamp.After(cutoff) {
			continue
		}
		if _, exists := s.byHash[rec.Hash]; exists {
			continue
		}
		rec.seq = s.nextSeq
		s.nextSeq++
		s.insertLocked(rec)
	}
	s.evictLocked(nil)
	s.observeLocked()
	return nil
}

// Snapshotter periodically persists the store for restart continuity.
type Snapshotter struct {
	store    *Store
	path     string
	interval time.Duration
	logger   *logging.Logger
}

// NewSnapshotter creates a snapshotter writing to path every interval.
func NewSnapshotter(store *Store, path string, interval time.Duration, logger *logging.Logger) *Snapshotter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Snapshotter{store: store, path: path, interval: interval, logger: logger}
}

// Run blocks, snapshotting on every tick until the context is canceled.
// A final snapshot is taken on shutdown.
func (sn *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(sn.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sn.store.Snapshot(sn.path); err != nil {
				sn.logger.Error(ctx, "memory snapshot failed", zap.Error(err))
			}
		case <-ctx.Done():
			if err := sn.store.Snapshot(sn.path); err != nil {
				sn.logger.Error(context.Background(), "final memory snapshot failed", zap.Error(err))
			}
			return
		}
	}
}
