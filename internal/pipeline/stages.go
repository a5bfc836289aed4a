package pipeline

import (
	"context"
	"fmt"

	"github.com/HKUDS/AI-Trader-sub000/internal/memory"
	"github.com/HKUDS/AI-Trader-sub000/internal/workflow"
)

// Stage names, in registration order.
const (
	StageScreen   = "screen"
	StageFilter   = "filter"
	StageClassify = "classify"
	StageAssess   = "assess"
	StageDecide   = "decide"
)

// Screen verdicts.
const (
	VerdictNew       = "new"
	VerdictUpdate    = "update"
	VerdictDuplicate = "duplicate"
	VerdictSpam      = "spam"
)

// ScreenOutput is the triage verdict for an event.
type ScreenOutput struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

// FilterOutput reports whether the event is relevant for deep analysis.
type FilterOutput struct {
	Relevant   bool    `json:"relevant"`
	Confidence float64 `json:"confidence"`
}

// ClassifyOutput carries sentiment and extracted facts.
type ClassifyOutput struct {
	Sentiment  string   `json:"sentiment"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Facts      []string `json:"facts,omitempty"`
}

// Impact estimates the event's effect on one symbol.
type Impact struct {
	Symbol    string  `json:"symbol"`
	Direction string  `json:"direction"` // up, down, none
	Magnitude float64 `json:"magnitude"` // 0-1
}

// AssessOutput is the per-symbol impact list.
type AssessOutput struct {
	Impacts []Impact `json:"impacts"`
}

// Recommendation is the pipeline's final per-symbol advice.
type Recommendation struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"` // buy, sell, hold
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// DecideOutput is the completed run's result.
type DecideOutput struct {
	Recommendations []Recommendation `json:"recommendations"`
}

// stages builds the five handlers over the classifier and the memory store.
// Each handler is a thin shim: decode input, ask the collaborator, record
// the outcome.
type stages struct {
	classifier Classifier
	memory     *memory.Store
}

// eventFromInput decodes the run input. A wrong input type is a contract
// violation, never retried.
func eventFromInput(input any) (memory.Event, error) {
	event, ok := input.(memory.Event)
	if !ok {
		return memory.Event{}, workflow.Fatal(fmt.Errorf("expected memory.Event input, got %T", input))
	}
	return event, nil
}

// screen triages the event: duplicates come from the memory store's dedup
// index, spam and updates from the classifier.
func (s *stages) screen(ctx context.Context, state *workflow.RunState, input any) (any, error) {
	event, err := eventFromInput(input)
	if err != nil {
		return nil, err
	}

	if s.memory.Seen(event) {
		return ScreenOutput{Verdict: VerdictDuplicate, Confidence: 1.0}, nil
	}

	res, err := s.classifier.Classify(ctx, Request{
		Stage:   StageScreen,
		Text:    event.Payload,
		Symbols: event.Symbols,
	})
	if err != nil {
		return nil, err
	}
	return ScreenOutput{Verdict: res.Category, Confidence: res.Confidence}, nil
}

// filter decides whether the event deserves classification.
func (s *stages) filter(ctx context.Context, state *workflow.RunState, input any) (any, error) {
	event, err := eventFromInput(input)
	if err != nil {
		return nil, err
	}

	res, err := s.classifier.Classify(ctx, Request{
		Stage:   StageFilter,
		Text:    event.Payload,
		Symbols: event.Symbols,
	})
	if err != nil {
		return nil, err
	}
	return FilterOutput{Relevant: res.Category == "relevant", Confidence: res.Confidence}, nil
}

// classify extracts sentiment and facts, then commits the event summary to
// memory. Memory writes are not retracted if a later stage fails.
func (s *stages) classify(ctx context.Context, state *workflow.RunState, input any) (any, error) {
	event, err := eventFromInput(input)
	if err != nil {
		return nil, err
	}

	digest, _ := s.memory.Context(event.Symbols, 512)
	res, err := s.classifier.Classify(ctx, Request{
		Stage:   StageClassify,
		Text:    event.Payload,
		Symbols: event.Symbols,
		Context: digest,
	})
	if err != nil {
		return nil, err
	}

	out := ClassifyOutput{
		Sentiment:  res.Category,
		Confidence: res.Confidence,
	}
	if score, ok := res.Fields["score"].(float64); ok {
		out.Score = score
	}
	if facts, ok := res.Fields["facts"].([]string); ok {
		out.Facts = facts
	}

	// The event is stored under its original category so a replay of the
	// same event hashes to the same record and screens as a duplicate.
	if s.memory.AddEvent(event) {
		state.SetMetadata("memorized", true)
	}

	return out, nil
}

// assess turns sentiment into a per-symbol impact list, weighting each
// symbol by how much recent memory it has.
func (s *stages) assess(ctx context.Context, state *workflow.RunState, input any) (any, error) {
	event, err := eventFromInput(input)
	if err != nil {
		return nil, err
	}

	cls, ok := stageOutput[ClassifyOutput](state, StageClassify)
	if !ok {
		return nil, workflow.Fatal(fmt.Errorf("assess requires classify output"))
	}

	var out AssessOutput
	if cls.Sentiment == "neutral" {
		return out, nil
	}

	direction := "up"
	if cls.Score < 0 {
		direction = "down"
	}

	for _, symbol := range event.Symbols {
		history := s.memory.ForSymbol(symbol, 10)
		magnitude := cls.Confidence * abs(cls.Score)
		// Repeated signal for a symbol amplifies the estimate, capped at 1.
		magnitude *= 1 + float64(len(history))*0.05
		if magnitude > 1 {
			magnitude = 1
		}
		out.Impacts = append(out.Impacts, Impact{
			Symbol:    symbol,
			Direction: direction,
			Magnitude: magnitude,
		})
	}
	return out, nil
}

// decide converts impacts into final recommendations.
func (s *stages) decide(ctx context.Context, state *workflow.RunState, input any) (any, error) {
	assessed, ok := stageOutput[AssessOutput](state, StageAssess)
	if !ok {
		return nil, workflow.Fatal(fmt.Errorf("decide requires assess output"))
	}

	var out DecideOutput
	for _, impact := range assessed.Impacts {
		rec := Recommendation{
			Symbol:     impact.Symbol,
			Confidence: impact.Magnitude,
		}
		switch {
		case impact.Magnitude < 0.2:
			rec.Action = "hold"
			rec.Reason = "signal too weak to act on"
		case impact.Direction == "up":
			rec.Action = "buy"
			rec.Reason = "positive impact estimate"
		default:
			rec.Action = "sell"
			rec.Reason = "negative impact estimate"
		}
		out.Recommendations = append(out.Recommendations, rec)
	}
	return out, nil
}

// stageOutput reads a typed output of an earlier completed stage.
func stageOutput[T any](state *workflow.RunState, stage string) (T, bool) {
	var zero T
	raw, ok := state.StageOutput(stage)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
