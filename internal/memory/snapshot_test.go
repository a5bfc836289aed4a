package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")

	s, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)
	require.True(t, s.AddEvent(newsEvent("e1", testEpoch.Add(-time.Hour), "first record", "AAPL")))
	require.True(t, s.AddEvent(newsEvent("e2", testEpoch, "second record", "MSFT")))
	require.NoError(t, s.Snapshot(path))

	restored, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)
	require.NoError(t, restored.Restore(path))

	assert.Equal(t, 2, restored.Len())
	assert.Equal(t, s.TokensUsed(), restored.TokensUsed())

	got := restored.ForSymbol("AAPL", 5)
	require.Len(t, got, 1)
	assert.Equal(t, "first record", got[0].Summary)

	// The dedup index survives the round trip.
	assert.False(t, restored.AddEvent(newsEvent("e3", testEpoch, "second record", "MSFT")))
}

func TestRestoreDropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")

	s, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)
	require.True(t, s.AddEvent(newsEvent("keep", testEpoch, "still fresh", "SPY")))
	require.True(t, s.AddEvent(newsEvent("drop", testEpoch.Add(-48*time.Hour), "getting old", "SPY")))
	require.NoError(t, s.Snapshot(path))

	// Restore into a store whose clock has advanced past the old record's
	// retention window.
	later := testEpoch.Add(30 * time.Hour)
	restored, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(later)))
	require.NoError(t, err)
	require.NoError(t, restored.Restore(path))

	assert.Equal(t, 1, restored.Len())
	got := restored.ForSymbol("SPY", 5)
	require.Len(t, got, 1)
	assert.Equal(t, "still fresh", got[0].Summary)
}

func TestRestoreEnforcesBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")

	big, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.True(t, big.AddEvent(newsEvent("e"+string(rune('a'+i)),
			testEpoch.Add(time.Duration(i)*time.Minute), payloadOfCost(30, i), "NVDA")))
	}
	require.NoError(t, big.Snapshot(path))

	// A smaller budget on restore evicts oldest until it fits.
	small, err := NewStore(70, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)
	require.NoError(t, small.Restore(path))

	assert.Equal(t, 2, small.Len())
	assert.LessOrEqual(t, small.TokensUsed(), 70)
}

func TestRestoreMissingFile(t *testing.T) {
	s, err := NewStore(100, time.Hour)
	require.NoError(t, err)
	assert.NoError(t, s.Restore(filepath.Join(t.TempDir(), "absent.json")))
	assert.Zero(t, s.Len())
}

func TestSnapshotterFinalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")

	s, err := NewStore(10_000, 72*time.Hour, WithClock(fixedClock(testEpoch)))
	require.NoError(t, err)
	require.True(t, s.AddEvent(newsEvent("e1", testEpoch, "persist me", "AAPL")))

	sn := NewSnapshotter(s, path, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sn.Run(ctx)
		close(done)
	}()

	cancel()
	<-done

	_, err = os.Stat(path)
	assert.NoError(t, err, "shutdown writes a final snapshot")
}
