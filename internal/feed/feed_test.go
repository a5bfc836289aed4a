package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	data := []byte(`{
		"id": "evt-1",
		"timestamp": "2026-08-30T09:30:00Z",
		"category": "news",
		"symbols": ["AAPL", "MSFT"],
		"payload": "AAPL earnings beat",
		"source": "wire"
	}`)

	event, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", event.ID)
	assert.Equal(t, []string{"AAPL", "MSFT"}, event.Symbols)
	assert.Equal(t, "wire", event.Source)
	assert.Equal(t, time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC), event.Timestamp)
}

func TestDecodeEventDefaultsTimestamp(t *testing.T) {
	event, err := decodeEvent([]byte(`{"id": "evt-2", "payload": "no timestamp"}`))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), event.Timestamp, time.Minute)
}

func TestDecodeEventRejectsBadInput(t *testing.T) {
	_, err := decodeEvent([]byte(`{not json`))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`{"payload": "missing id"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestNewClampsConcurrency(t *testing.T) {
	f := New(nil, "market.events", 0, nil)
	require.NotNil(t, f.sem)
	assert.True(t, f.sem.TryAcquire(1), "clamped pool still admits one worker")
	assert.False(t, f.sem.TryAcquire(1))
}
