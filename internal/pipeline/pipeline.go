package pipeline

import (
	"context"
	"fmt"

	"github.com/HKUDS/AI-Trader-sub000/internal/memory"
	"github.com/HKUDS/AI-Trader-sub000/internal/workflow"
)

// Name is the workflow name recorded on every run.
const Name = "event-analysis"

// stageSpec is one row of the declarative stage table.
type stageSpec struct {
	name    string
	handler workflow.Handler
	router  workflow.Router
}

// Pipeline is the concrete event analysis workflow: screen → filter →
// classify → assess → decide, with routing rules that end the run early
// for duplicates, spam, irrelevant events, and empty impact lists.
type Pipeline struct {
	executor *workflow.Executor
}

// New assembles the pipeline onto a fresh executor.
func New(mem *memory.Store, classifier Classifier, opts ...workflow.ExecutorOption) (*Pipeline, error) {
	s := &stages{classifier: classifier, memory: mem}
	executor := workflow.NewExecutor(Name, opts...)

	table := []stageSpec{
		{StageScreen, s.screen, routeScreen},
		{StageFilter, s.filter, routeFilter},
		{StageClassify, s.classify, nil},
		{StageAssess, s.assess, routeAssess},
		{StageDecide, s.decide, nil},
	}
	for _, spec := range table {
		if err := executor.AddStage(spec.name, spec.handler); err != nil {
			return nil, fmt.Errorf("register stage %s: %w", spec.name, err)
		}
		if spec.router != nil {
			if err := executor.AddRoutingRule(spec.name, spec.router); err != nil {
				return nil, fmt.Errorf("route stage %s: %w", spec.name, err)
			}
		}
	}

	return &Pipeline{executor: executor}, nil
}

// Executor exposes the underlying executor for hook and observer wiring.
func (p *Pipeline) Executor() *workflow.Executor {
	return p.executor
}

// Run processes one event through the pipeline.
func (p *Pipeline) Run(ctx context.Context, event memory.Event) (*workflow.RunState, error) {
	return p.executor.Execute(ctx, event)
}

// Recommendations extracts the final advice from a completed run. Runs that
// ended early (duplicate, spam, irrelevant, no impacts) yield none.
func Recommendations(state *workflow.RunState) []Recommendation {
	out, ok := stageOutput[DecideOutput](state, StageDecide)
	if !ok {
		return nil
	}
	return out.Recommendations
}

// routeScreen ends the run for events not worth any further work.
func routeScreen(output any) (string, error) {
	screened, ok := output.(ScreenOutput)
	if !ok {
		return "", fmt.Errorf("unexpected screen output %T", output)
	}
	if screened.Verdict == VerdictDuplicate || screened.Verdict == VerdictSpam {
		return workflow.StageEnd, nil
	}
	return "", nil
}

// routeFilter ends the run for irrelevant events.
func routeFilter(output any) (string, error) {
	filtered, ok := output.(FilterOutput)
	if !ok {
		return "", fmt.Errorf("unexpected filter output %T", output)
	}
	if !filtered.Relevant {
		return workflow.StageEnd, nil
	}
	return "", nil
}

// routeAssess skips the decision stage when nothing was impacted.
func routeAssess(output any) (string, error) {
	assessed, ok := output.(AssessOutput)
	if !ok {
		return "", fmt.Errorf("unexpected assess output %T", output)
	}
	if len(assessed.Impacts) == 0 {
		return workflow.StageEnd, nil
	}
	return "", nil
}
