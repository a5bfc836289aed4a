package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

// fixedClock returns a clock stuck at the given instant.
func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// payloadOfCost builds a distinct payload whose summary costs exactly the
// given number of tokens.
func payloadOfCost(tokens, n int) string {
	tag := fmt.Sprintf("%04d", n)
	return tag + strings.Repeat("x", tokens*4-len(tag))
}

func newsEvent(id string, ts time.Time, payload string, symbols ...string) Event {
	return Event{
		ID:        id,
		Timestamp: ts,
		Category:  "news",
		Symbols:   symbols,
		Payload:   payload,
	}
}

func TestStoreValidation(t *testing.T) {
	_, err := NewStore(0, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidBudget)

	_, err = NewStore(100, 0)
	assert.ErrorIs(t, err, ErrInvalidRetention)
}

func TestStoreAddAndQuery(t *testing.T) {
	s, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	require.True(t, s.AddEvent(newsEvent("e1", testEpoch.Add(-2*time.Hour), "AAPL beats estimates", "aapl")))
	require.True(t, s.AddEvent(newsEvent("e2", testEpoch.Add(-time.Hour), "AAPL guidance raised", "AAPL")))
	require.True(t, s.AddEvent(newsEvent("e3", testEpoch, "MSFT flat on open", "MSFT")))

	got := s.ForSymbol("aapl", 10)
	require.Len(t, got, 2, "symbol lookup is case-insensitive")
	assert.Equal(t, "AAPL guidance raised", got[0].Summary, "most recent first")
	assert.Equal(t, "AAPL beats estimates", got[1].Summary)

	assert.Equal(t, 3, s.Len())
	stats := s.Statistics()
	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, map[string]int{"news": 3}, stats.ByCategory)
	assert.Equal(t, 2, stats.BySymbol["AAPL"])
}

func TestStoreDeduplication(t *testing.T) {
	s, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	require.True(t, s.AddEvent(newsEvent("e1", testEpoch, "Fed holds rates", "spy", "qqq")))
	before := s.TokensUsed()

	// Same content with reordered, recased symbols and extra whitespace is
	// the same record.
	dup := Event{
		ID:        "e2",
		Timestamp: testEpoch.Add(time.Minute),
		Category:  "News",
		Symbols:   []string{"QQQ", "SPY"},
		Payload:   "  Fed   holds rates ",
	}
	assert.False(t, s.AddEvent(dup))
	assert.Equal(t, 1, s.Len(), "rejected duplicate leaves the store unchanged")
	assert.Equal(t, before, s.TokensUsed())

	assert.True(t, s.Seen(dup))
	assert.False(t, s.Seen(newsEvent("e3", testEpoch, "Fed cuts rates", "SPY", "QQQ")))
}

func TestStoreForSymbolOrdersByTimestamp(t *testing.T) {
	s, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	// A delayed event arriving after a fresher one must not lead results.
	require.True(t, s.AddEvent(newsEvent("fresh", testEpoch, "newest headline", "AAPL")))
	require.True(t, s.AddEvent(newsEvent("late", testEpoch.Add(-2*time.Hour), "older headline", "AAPL")))

	got := s.ForSymbol("AAPL", 10)
	require.Len(t, got, 2)
	assert.Equal(t, "newest headline", got[0].Summary)
	assert.Equal(t, "older headline", got[1].Summary)

	got = s.ForSymbol("AAPL", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "newest headline", got[0].Summary, "the limit keeps the most recent")
}

func TestStoreSummaryTruncation(t *testing.T) {
	s, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	long := strings.Repeat("a", 1000)
	require.True(t, s.AddEvent(newsEvent("e1", testEpoch, long, "TSLA")))

	got := s.ForSymbol("TSLA", 1)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Summary, maxSummaryLen)
	assert.Equal(t, maxSummaryLen/4, got[0].TokenCost)
}

func TestSummarizeKeepsValidUTF8(t *testing.T) {
	// The byte bound would land inside the euro sign; truncation has to
	// back up to the rune boundary.
	sum := summarize(Event{Payload: strings.Repeat("a", maxSummaryLen-1) + "€€"})
	assert.True(t, utf8.ValidString(sum))
	assert.Len(t, sum, maxSummaryLen-1)
}

func TestStoreTokenAccounting(t *testing.T) {
	s, err := NewStore(1000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ev := newsEvent(fmt.Sprintf("e%d", i), testEpoch.Add(time.Duration(i)*time.Minute),
			payloadOfCost(50, i), "AAPL")
		require.True(t, s.AddEvent(ev))
	}

	stats := s.Statistics()
	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, 150, stats.TokensUsed)
	assert.Equal(t, 1000, stats.TokenBudget)
	assert.InDelta(t, 0.15, stats.Utilization, 1e-9)
}

func TestStoreBudgetEviction(t *testing.T) {
	// Budget of 100 tokens, records of 30 each: the store holds at most
	// three, and inserting more evicts the oldest.
	s, err := NewStore(100, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ev := newsEvent(fmt.Sprintf("e%d", i), testEpoch.Add(time.Duration(i)*time.Minute),
			payloadOfCost(30, i), "NVDA")
		require.True(t, s.AddEvent(ev))
		assert.LessOrEqual(t, s.TokensUsed(), 100, "budget holds after every insert")
	}

	assert.Equal(t, 3, s.Len())
	got := s.ForSymbol("NVDA", 10)
	require.Len(t, got, 3)
	// The two oldest records were evicted.
	assert.Contains(t, got[0].Summary, "0004")
	assert.Contains(t, got[2].Summary, "0002")
}

func TestStoreEvictionTieBreak(t *testing.T) {
	// All records share one timestamp; eviction falls back to insertion
	// order, removing the earliest-inserted first.
	s, err := NewStore(100, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.True(t, s.AddEvent(newsEvent(fmt.Sprintf("e%d", i), testEpoch,
			payloadOfCost(30, i), "AMD")))
	}

	got := s.ForSymbol("AMD", 10)
	require.Len(t, got, 3)
	summaries := []string{got[0].Summary[:4], got[1].Summary[:4], got[2].Summary[:4]}
	assert.Equal(t, []string{"0003", "0002", "0001"}, summaries)
}

func TestStoreRejectsOversizedRecord(t *testing.T) {
	s, err := NewStore(10, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	require.True(t, s.AddEvent(newsEvent("small", testEpoch, payloadOfCost(5, 0), "IBM")))

	// 60 chars = 15 tokens > budget of 10: rejected outright, nothing evicted.
	assert.False(t, s.AddEvent(newsEvent("huge", testEpoch, payloadOfCost(15, 1), "IBM")))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 5, s.TokensUsed())
}

func TestStoreRetentionExpiry(t *testing.T) {
	clock := testEpoch
	s, err := NewStore(10_000, 24*time.Hour, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	require.True(t, s.AddEvent(newsEvent("old", testEpoch, "stale headline", "GOOG")))
	require.True(t, s.AddEvent(newsEvent("new", testEpoch.Add(20*time.Hour), "fresh headline", "GOOG")))

	// Advance past the old record's retention window. Queries must not
	// return it even before the next insert sweeps it out.
	clock = testEpoch.Add(25 * time.Hour)
	got := s.ForSymbol("GOOG", 10)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh headline", got[0].Summary)

	stats := s.Statistics()
	assert.Equal(t, 1, stats.Records, "statistics exclude expired records too")
	assert.Equal(t, tokenCost("fresh headline"), stats.TokensUsed)
	assert.Equal(t, 1, stats.BySymbol["GOOG"])

	// An expired record no longer blocks re-insertion of the same content.
	assert.False(t, s.Seen(newsEvent("old2", clock, "stale headline", "GOOG")))
	assert.True(t, s.AddEvent(newsEvent("old2", clock, "stale headline", "GOOG")))
	assert.Equal(t, 2, s.Len(), "the expired original was swept on insert")
}

func TestStoreContextDigest(t *testing.T) {
	s, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	require.True(t, s.AddEvent(newsEvent("e1", testEpoch.Add(-3*time.Hour), "oldest item", "AAPL")))
	require.True(t, s.AddEvent(newsEvent("e2", testEpoch.Add(-2*time.Hour), "middle item", "AAPL", "MSFT")))
	require.True(t, s.AddEvent(newsEvent("e3", testEpoch.Add(-time.Hour), "newest item", "MSFT")))

	digest, used := s.Context([]string{"AAPL", "MSFT"}, 1000)
	lines := strings.Split(strings.TrimRight(digest, "\n"), "\n")
	require.Len(t, lines, 3, "a record shared by two symbols appears once")
	assert.Contains(t, lines[0], "newest item")
	assert.Contains(t, lines[1], "middle item")
	assert.Contains(t, lines[2], "oldest item")
	assert.Equal(t, 9, used)
}

func TestStoreContextRespectsCap(t *testing.T) {
	s, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	require.True(t, s.AddEvent(newsEvent("big", testEpoch.Add(-time.Hour), payloadOfCost(50, 0), "SPY")))
	require.True(t, s.AddEvent(newsEvent("small", testEpoch, "tiny", "SPY")))

	// Cap of 10 tokens: the newest record fits, the 50-token one is
	// dropped and assembly continues.
	digest, used := s.Context([]string{"SPY"}, 10)
	assert.Contains(t, digest, "tiny")
	assert.NotContains(t, digest, "0000")
	assert.LessOrEqual(t, used, 10)

	digest, used = s.Context([]string{"SPY"}, 0)
	assert.Empty(t, digest)
	assert.Zero(t, used)
}

func TestStoreSearch(t *testing.T) {
	s, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)

	require.True(t, s.AddEvent(newsEvent("e1", testEpoch.Add(-time.Hour), "Earnings beat expectations", "AAPL")))
	require.True(t, s.AddEvent(newsEvent("e2", testEpoch.Add(-30*time.Hour), "Earnings miss badly", "MSFT")))
	require.True(t, s.AddEvent(newsEvent("e3", testEpoch, "Dividend announced", "KO")))

	got := s.Search([]string{"EARNINGS"}, 48)
	require.Len(t, got, 2, "matching is case-insensitive")
	assert.Equal(t, "Earnings beat expectations", got[0].Summary)

	got = s.Search([]string{"earnings"}, 2)
	require.Len(t, got, 1, "the window excludes older matches")

	assert.Empty(t, s.Search([]string{"merger"}, 48))
	assert.Empty(t, s.Search([]string{""}, 48), "empty keywords never match")
}

func TestStoreConcurrentAccess(t *testing.T) {
	s, err := NewStore(5_000, 72*time.Hour)
	require.NoError(t, err)

	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				s.AddEvent(newsEvent(fmt.Sprintf("w%d-e%d", w, i), time.Now(),
					fmt.Sprintf("worker %d event %d", w, i), "SPY"))
				s.ForSymbol("SPY", 5)
				s.Context([]string{"SPY"}, 100)
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}

	assert.LessOrEqual(t, s.TokensUsed(), 5_000)
}
