package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is a bounded collection of deduplicated event summaries shared by
// all concurrent pipeline runs. Mutation is serialized behind a single
// writer lock; reads take a consistent snapshot under the same lock.
type Store struct {
	mu sync.RWMutex

	budget    int
	retention time.Duration

	records  []*Record          // insertion order
	byHash   map[string]*Record // dedup index
	bySymbol map[string][]*Record
	tokens   int
	nextSeq  uint64

	now func() time.Time

	metrics *Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a store with the given token budget and retention window.
func NewStore(budget int, retention time.Duration, opts ...Option) (*Store, error) {
	if budget <= 0 {
		return nil, ErrInvalidBudget
	}
	if retention <= 0 {
		return nil, ErrInvalidRetention
	}
	s := &Store{
		budget:    budget,
		retention: retention,
		byHash:    make(map[string]*Record),
		bySymbol:  make(map[string][]*Record),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddEvent distills the event into a record and inserts it. It returns false
// without mutating state when the record is a duplicate of a live record, or
// when it cannot fit the token budget even after evicting every other record.
func (s *Store) AddEvent(event Event) bool {
	summary := summarize(event)
	hash := dedupHash(event.Category, event.Symbols, summary)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	if _, exists := s.byHash[hash]; exists {
		if s.metrics != nil {
			s.metrics.dedupHits.Inc()
		}
		return false
	}

	cost := tokenCost(summary)
	if cost > s.budget {
		// The record alone overflows the budget; evicting everything
		// else would not help.
		return false
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = now
	}
	rec := &Record{
		Hash:      hash,
		Timestamp: ts,
		Symbols:   normalizeSymbols(event.Symbols),
		Summary:   summary,
		Category:  event.Category,
		TokenCost: cost,
		RawRef:    event.ID,
		seq:       s.nextSeq,
	}
	s.nextSeq++

	s.insertLocked(rec)
	s.evictLocked(rec)
	s.observeLocked()
	return true
}

// insertLocked adds the record to every index.
func (s *Store) insertLocked(rec *Record) {
	s.records = append(s.records, rec)
	s.byHash[rec.Hash] = rec
	for _, sym := range rec.Symbols {
		s.bySymbol[sym] = append(s.bySymbol[sym], rec)
	}
	s.tokens += rec.TokenCost
}

// evictLocked removes oldest records until the budget is satisfied, never
// evicting keep. Ties on timestamp fall back to insertion order.
func (s *Store) evictLocked(keep *Record) {
	for s.tokens > s.budget {
		victim := s.oldestLocked(keep)
		if victim == nil {
			break
		}
		s.removeLocked(victim)
		if s.metrics != nil {
			s.metrics.evictions.Inc()
		}
	}
}

// oldestLocked finds the oldest live record other than keep. Scanning in
// insertion order keeps the first of any timestamp tie.
func (s *Store) oldestLocked(keep *Record) *Record {
	var oldest *Record
	for _, rec := range s.records {
		if rec == keep {
			continue
		}
		if oldest == nil || rec.Timestamp.Before(oldest.Timestamp) {
			oldest = rec
		}
	}
	return oldest
}

// expireLocked drops every record older than the retention window.
func (s *Store) expireLocked(now time.Time) {
	cutoff := now.Add(-s.retention)
	var expired []*Record
	for _, rec := range s.records {
		if !rec.Timestamp.After(cutoff) {
			expired = append(expired, rec)
		}
	}
	for _, rec := range expired {
		s.removeLocked(rec)
	}
}

// removeLocked deletes the record from every index.
func (s *Store) removeLocked(victim *Record) {
	for i, rec := range s.records {
		if rec == victim {
			s.records = append(s.records[:i], s.records[i+1:]...)
			break
		}
	}
	delete(s.byHash, victim.Hash)
	for _, sym := range victim.Symbols {
		view := s.bySymbol[sym]
		for i, rec := range view {
			if rec == victim {
				s.bySymbol[sym] = append(view[:i], view[i+1:]...)
				break
			}
		}
		if len(s.bySymbol[sym]) == 0 {
			delete(s.bySymbol, sym)
		}
	}
	s.tokens -= victim.TokenCost
}

// Seen reports whether a live record already covers the event's normalized
// content. It reads the dedup index without mutating state, so triage can
// flag duplicates before anything is written.
func (s *Store) Seen(event Event) bool {
	hash := dedupHash(event.Category, event.Symbols, summarize(event))

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.byHash[hash]
	return exists && rec.Timestamp.After(s.now().Add(-s.retention))
}

// ForSymbol returns up to limit records for the symbol, most recent first.
// Expired records are never returned, even before the next insert sweeps
// them out.
func (s *Store) ForSymbol(symbol string, limit int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-s.retention)
	view := s.bySymbol[normalizeSymbol(symbol)]

	// Events carry their own timestamps and may arrive out of order, so the
	// insertion-ordered view has to be sorted, not just reversed.
	live := make([]*Record, 0, len(view))
	for _, rec := range view {
		if rec.Timestamp.After(cutoff) {
			live = append(live, rec)
		}
	}
	sortRecords(live)
	if len(live) > limit {
		live = live[:limit]
	}
	return live
}

// Context greedily assembles a digest of the requested symbols' most recent
// records. The hard token cap is never exceeded; a record that would push
// past it is dropped and assembly continues with cheaper ones.
func (s *Store) Context(symbols []string, maxTokens int) (string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-s.retention)

	seen := make(map[string]bool)
	var candidates []*Record
	for _, sym := range symbols {
		for _, rec := range s.bySymbol[normalizeSymbol(sym)] {
			if rec.Timestamp.After(cutoff) && !seen[rec.Hash] {
				seen[rec.Hash] = true
				candidates = append(candidates, rec)
			}
		}
	}
	// Most recent first; insertion sequence breaks timestamp ties.
	sortRecords(candidates)

	var b strings.Builder
	used := 0
	for _, rec := range candidates {
		if used+rec.TokenCost > maxTokens {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", rec.Category, strings.Join(rec.Symbols, ","), rec.Summary)
		used += rec.TokenCost
	}
	return b.String(), used
}

// Search returns records whose summary or category contains any of the
// keywords, within the last hours. Matching is case-insensitive.
func (s *Store) Search(keywords []string, hours int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	cutoff := now.Add(-time.Duration(hours) * time.Hour)
	retCutoff := now.Add(-s.retention)
	if retCutoff.After(cutoff) {
		cutoff = retCutoff
	}

	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}

	var out []*Record
	for _, rec := range s.records {
		if !rec.Timestamp.After(cutoff) {
			continue
		}
		haystack := strings.ToLower(rec.Summary + " " + rec.Category)
		for _, kw := range lowered {
			if kw != "" && strings.Contains(haystack, kw) {
				out = append(out, rec)
				break
			}
		}
	}
	sortRecords(out)
	return out
}

// Statistics returns counts and token accounting for the live store.
// Expired records awaiting the next insert sweep are excluded, matching
// every other read path.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-s.retention)
	stats := Statistics{
		TokenBudget: s.budget,
		ByCategory:  make(map[string]int),
		BySymbol:    make(map[string]int),
	}
	for _, rec := range s.records {
		if !rec.Timestamp.After(cutoff) {
			continue
		}
		stats.Records++
		stats.TokensUsed += rec.TokenCost
		stats.ByCategory[rec.Category]++
	}
	for sym, view := range s.bySymbol {
		n := 0
		for _, rec := range view {
			if rec.Timestamp.After(cutoff) {
				n++
			}
		}
		if n > 0 {
			stats.BySymbol[sym] = n
		}
	}
	if s.budget > 0 {
		stats.Utilization = float64(stats.TokensUsed) / float64(s.budget)
	}
	return stats
}

// TokensUsed returns the current total token cost of live records.
func (s *Store) TokensUsed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// observeLocked refreshes store gauges after a mutation.
func (s *Store) observeLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.liveRecords.Set(float64(len(s.records)))
	s.metrics.tokensUsed.Set(float64(s.tokens))
	s.metrics.utilization.Set(float64(s.tokens) / float64(s.budget))
}

func normalizeSymbol(sym string) string {
	return strings.ToUpper(strings.TrimSpace(sym))
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if norm := normalizeSymbol(sym); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

// sortRecords orders records most recent first, newest insertion first on
// timestamp ties.
func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].seq > records[j].seq
	})
}
