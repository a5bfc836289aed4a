// Package workflow provides a composable multi-stage execution engine with
// conditional branching, routing, retries, and durable run records.
package workflow

import (
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a run or a stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped || s == StatusFailed
}

// StageResult captures the outcome of one stage, including every retry
// attempt made before the final status.
type StageResult struct {
	StageName string         `json:"stage_name"`
	Status    Status         `json:"status"`
	Attempts  int            `json:"attempts"`
	Duration  time.Duration  `json:"duration"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunState is the full record of one workflow run. It is mutated only by the
// Execute invocation that created it; once the status is terminal the record
// is frozen and safe to persist.
type RunState struct {
	mu sync.Mutex

	RunID        string                  `json:"run_id"`
	WorkflowName string                  `json:"workflow_name"`
	Status       Status                  `json:"status"`
	StageOrder   []string                `json:"stage_order"`
	StageResults map[string]*StageResult `json:"stage_results"`
	Input        any                     `json:"input,omitempty"`
	Output       any                     `json:"output,omitempty"`
	Intermediate map[string]any          `json:"intermediate,omitempty"`
	Errors       []string                `json:"errors,omitempty"`
	Metadata     map[string]any          `json:"metadata,omitempty"`
	StartTime    time.Time               `json:"start_time"`
	EndTime      time.Time               `json:"end_time,omitempty"`
}

// NewRunState creates a pending run record with the given stage order.
// The stage order is the stable registration order; it never changes even
// when routing skips stages or a parallel group reorders actual execution.
func NewRunState(workflowName string, stageOrder []string, input any) *RunState {
	order := make([]string, len(stageOrder))
	copy(order, stageOrder)
	return &RunState{
		RunID:        uuid.NewString(),
		WorkflowName: workflowName,
		Status:       StatusPending,
		StageOrder:   order,
		StageResults: make(map[string]*StageResult, len(order)),
		Input:        input,
		Intermediate: make(map[string]any),
		Metadata:     make(map[string]any),
	}
}

// Result returns the recorded result for a stage, or nil if the stage was
// never reached.
func (s *RunState) Result(stage string) *StageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StageResults[stage]
}

// setResult records a stage result. Safe for concurrent use by parallel
// group members.
func (s *RunState) setResult(stage string, r *StageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StageResults[stage] = r
}

// recordOutput stores a completed stage's output in the intermediate map
// and as the run's latest output.
func (s *RunState) recordOutput(stage string, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Intermediate[stage] = output
	s.Output = output
}

// SetMetadata stores a metadata value. Hooks use this to annotate the run
// without touching stage outputs.
func (s *RunState) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata[key] = value
}

// GetMetadata returns a metadata value.
func (s *RunState) GetMetadata(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Metadata[key]
	return v, ok
}

// StageOutput returns the output of a completed stage.
func (s *RunState) StageOutput(stage string) (any, bool) {
	s.mu.Lock()
	r, ok := s.StageResults[stage]
	s.mu.Unlock()
	if !ok || r.Status != StatusCompleted {
		return nil, false
	}
	return r.Output, true
}

// Failed reports whether the run ended in failure.
func (s *RunState) Failed() bool {
	return s.Status == StatusFailed
}

// Elapsed returns the total run duration, or time since start for a run
// that has not finished.
func (s *RunState) Elapsed() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// transition advances the run status. Transitions are monotonic: a terminal
// status is never overwritten.
func (s *RunState) transition(to Status) {
	if s.Status.Terminal() {
		return
	}
	s.Status = to
}

// RunRecord is the persisted form of a finished run, flattened for audit and
// analysis. Stage outputs are summarized rather than embedded verbatim so a
// record stays bounded regardless of handler output size.
type RunRecord struct {
	RunID        string         `json:"run_id"`
	WorkflowName string         `json:"workflow_name"`
	Status       Status         `json:"status"`
	Stages       []StageRecord  `json:"stages"`
	Errors       []string       `json:"errors,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
}

// StageRecord is one stage's entry in a persisted RunRecord.
type StageRecord struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}

const maxPersistedOutputLen = 512

// Record flattens a terminal run state into its persisted form. Stages appear
// in registration order; stages never reached are omitted.
func (s *RunState) Record() *RunRecord {
	rec := &RunRecord{
		RunID:        s.RunID,
		WorkflowName: s.WorkflowName,
		Status:       s.Status,
		Errors:       s.Errors,
		Metadata:     s.Metadata,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
	}
	for _, name := range s.StageOrder {
		r, ok := s.StageResults[name]
		if !ok {
			continue
		}
		rec.Stages = append(rec.Stages, StageRecord{
			Name:     r.StageName,
			Status:   r.Status,
			Attempts: r.Attempts,
			Duration: r.Duration,
			Output:   summarizeOutput(r.Output),
			Error:    r.Error,
		})
	}
	return rec
}

// summarizeOutput renders a stage output as bounded text for persistence.
// Truncation backs up to a rune boundary so records stay valid UTF-8.
func summarizeOutput(out any) string {
	if out == nil {
		return ""
	}
	var text string
	switch v := out.(type) {
	case string:
		text = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		text = string(b)
	}
	if len(text) > maxPersistedOutputLen {
		cut := maxPersistedOutputLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
