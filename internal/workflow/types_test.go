package workflow

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusSkipped.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestRunStateTransitionMonotonic(t *testing.T) {
	state := NewRunState("wf", []string{"a"}, nil)
	assert.Equal(t, StatusPending, state.Status)

	state.transition(StatusRunning)
	assert.Equal(t, StatusRunning, state.Status)

	state.transition(StatusFailed)
	assert.Equal(t, StatusFailed, state.Status)

	// Terminal states are frozen.
	state.transition(StatusCompleted)
	assert.Equal(t, StatusFailed, state.Status)
}

func TestRunStateStageOrderCopied(t *testing.T) {
	order := []string{"a", "b"}
	state := NewRunState("wf", order, nil)
	order[0] = "mutated"
	assert.Equal(t, "a", state.StageOrder[0])
}

func TestRunRecordFlattening(t *testing.T) {
	state := NewRunState("wf", []string{"a", "b", "c"}, "in")
	state.StartTime = time.Now()
	state.setResult("a", &StageResult{StageName: "a", Status: StatusCompleted, Attempts: 1, Output: "first"})
	state.setResult("b", &StageResult{StageName: "b", Status: StatusFailed, Attempts: 2, Error: "gone wrong"})
	// Stage c was never reached.
	state.transition(StatusRunning)
	state.transition(StatusFailed)
	state.EndTime = time.Now()

	rec := state.Record()
	require.Len(t, rec.Stages, 2)
	assert.Equal(t, "a", rec.Stages[0].Name)
	assert.Equal(t, "first", rec.Stages[0].Output)
	assert.Equal(t, "b", rec.Stages[1].Name)
	assert.Equal(t, "gone wrong", rec.Stages[1].Error)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestSummarizeOutput(t *testing.T) {
	assert.Empty(t, summarizeOutput(nil))
	assert.Equal(t, "plain", summarizeOutput("plain"))
	assert.Equal(t, `{"n":1}`, summarizeOutput(map[string]int{"n": 1}))

	long := strings.Repeat("x", 2*maxPersistedOutputLen)
	assert.Len(t, summarizeOutput(long), maxPersistedOutputLen)

	// Truncation never splits a multi-byte rune.
	mixed := summarizeOutput(strings.Repeat("x", maxPersistedOutputLen-1) + "€€")
	assert.True(t, utf8.ValidString(mixed))
	assert.Len(t, mixed, maxPersistedOutputLen-1)
}

func TestStageOutputOnlyForCompleted(t *testing.T) {
	state := NewRunState("wf", []string{"a"}, nil)
	state.setResult("a", &StageResult{StageName: "a", Status: StatusSkipped})

	_, ok := state.StageOutput("a")
	assert.False(t, ok)

	state.setResult("a", &StageResult{StageName: "a", Status: StatusCompleted, Output: 42})
	out, ok := state.StageOutput("a")
	require.True(t, ok)
	assert.Equal(t, 42, out)
}
