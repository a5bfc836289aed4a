// Package memory provides a bounded, deduplicating store of compact market
// event summaries. Records carry an approximate token cost; the store evicts
// oldest records to keep total cost under a fixed budget, and expires records
// older than a retention window.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Store configuration errors.
var (
	ErrInvalidBudget    = errors.New("token budget must be > 0")
	ErrInvalidRetention = errors.New("retention window must be > 0")
)

// Event is an external market event consumed by the store and the pipeline.
// Events are immutable once ingested and are not retained by this package.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Symbols   []string       `json:"symbols"`
	Payload   string         `json:"payload"`
	Source    string         `json:"source"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Record is one compact memory entry distilled from an event.
type Record struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	Symbols   []string  `json:"symbols"`
	Summary   string    `json:"summary"`
	Category  string    `json:"category"`
	TokenCost int       `json:"token_cost"`
	RawRef    string    `json:"raw_ref,omitempty"`

	// seq is the insertion sequence, the stable eviction tie-break for
	// records sharing a timestamp.
	seq uint64
}

// Age returns the record's age at the given instant.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// maxSummaryLen bounds the stored summary so a record's token cost stays
// small and predictable.
const maxSummaryLen = 240

// summarize produces the bounded summary text for an event. Truncation
// backs up to a rune boundary so the stored text stays valid UTF-8.
func summarize(e Event) string {
	text := strings.TrimSpace(e.Payload)
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxSummaryLen {
		cut := maxSummaryLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// tokenCost approximates the token weight of a summary: one token per four
// characters, rounded up.
func tokenCost(summary string) int {
	return (len(summary) + 3) / 4
}

// dedupHash fingerprints an event's normalized content. Two events with the
// same category, symbol set, and summary text produce the same hash
// regardless of symbol order or casing.
func dedupHash(category string, symbols []string, summary string) string {
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm = append(norm, strings.ToUpper(strings.TrimSpace(s)))
	}
	sort.Strings(norm)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(category))))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(norm, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(summary)))
	return hex.EncodeToString(h.Sum(nil))
}

// Statistics reports the store's current shape.
type Statistics struct {
	Records     int            `json:"records"`
	TokensUsed  int            `json:"tokens_used"`
	TokenBudget int            `json:"token_budget"`
	Utilization float64        `json:"utilization"`
	ByCategory  map[string]int `json:"by_category"`
	BySymbol    map[string]int `json:"by_symbol"`
}
