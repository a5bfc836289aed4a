package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HKUDS/AI-Trader-sub000/internal/logging"
)

// Handler executes one stage. It receives the run state (for reading earlier
// stage outputs and writing metadata) and the run input, and returns the
// stage output. Returned errors are retried unless tagged Fatal.
type Handler func(ctx context.Context, state *RunState, input any) (any, error)

// Condition gates whether a stage runs at all. A false result marks the
// stage skipped. Condition errors are fatal and never retried.
type Condition func(state *RunState) (bool, error)

// Router maps a completed stage's output to the next stage to execute.
// Returning an empty name falls through to registration order; returning
// StageEnd skips every remaining stage. Router errors are fatal.
type Router func(output any) (string, error)

// StageEnd is the router target that ends the run, marking all remaining
// stages skipped.
const StageEnd = "__end__"

// Hook observes a stage before or after its handler runs. Hooks may mutate
// state metadata but must not alter handler outputs.
type Hook func(ctx context.Context, state *RunState)

// stageDef is one registered stage.
type stageDef struct {
	name      string
	handler   Handler
	condition Condition
	group     string // parallel group name, empty for sequential stages
}

// StageOption configures a stage at registration time.
type StageOption func(*stageDef)

// WithCondition gates the stage on a predicate over the run state.
func WithCondition(cond Condition) StageOption {
	return func(d *stageDef) { d.condition = cond }
}

// InParallelGroup places the stage in a named parallel group. Consecutive
// stages sharing a group name execute concurrently and are joined before the
// next stage begins.
func InParallelGroup(group string) StageOption {
	return func(d *stageDef) { d.group = group }
}

// Executor holds an immutable stage graph and drives runs through it.
// The Executor itself carries no per-run state, so concurrent runs never
// interfere with each other.
type Executor struct {
	name       string
	stages     []*stageDef
	stageIndex map[string]int
	routing    map[string]Router
	preHooks   map[string][]Hook
	postHooks  map[string][]Hook

	policy       RetryPolicy
	stageTimeout time.Duration
	runTimeout   time.Duration

	sink    RunSink
	logger  *logging.Logger
	metrics *Metrics
}

// ExecutorOption configures an Executor at construction time.
type ExecutorOption func(*Executor)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithStageTimeout bounds each handler attempt. A timed-out attempt counts
// as a transient failure.
func WithStageTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.stageTimeout = d }
}

// WithRunTimeout bounds the whole run. Expiry fails the run without
// retracting committed writes.
func WithRunTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.runTimeout = d }
}

// WithSink sets the persistence sink for finished runs.
func WithSink(sink RunSink) ExecutorOption {
	return func(e *Executor) { e.sink = sink }
}

// WithLogger sets the structured logger.
func WithLogger(logger *logging.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor for the named workflow.
func NewExecutor(name string, opts ...ExecutorOption) *Executor {
	e := &Executor{
		name:       name,
		stageIndex: make(map[string]int),
		routing:    make(map[string]Router),
		preHooks:   make(map[string][]Hook),
		postHooks:  make(map[string][]Hook),
		policy:     DefaultRetryPolicy(),
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddStage registers a stage. Stages execute in registration order unless a
// routing rule overrides the successor.
func (e *Executor) AddStage(name string, handler Handler, opts ...StageOption) error {
	if _, exists := e.stageIndex[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStage, name)
	}
	if name == StageEnd {
		return fmt.Errorf("%w: %s is reserved", ErrDuplicateStage, name)
	}
	d := &stageDef{name: name, handler: handler}
	for _, opt := range opts {
		opt(d)
	}
	e.stageIndex[name] = len(e.stages)
	e.stages = append(e.stages, d)
	return nil
}

// AddRoutingRule attaches a router consulted after the named stage completes.
func (e *Executor) AddRoutingRule(stage string, router Router) error {
	if _, exists := e.stageIndex[stage]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	e.routing[stage] = router
	return nil
}

// AddPreHook registers an observer invoked before the stage handler.
func (e *Executor) AddPreHook(stage string, hook Hook) error {
	if _, exists := e.stageIndex[stage]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	e.preHooks[stage] = append(e.preHooks[stage], hook)
	return nil
}

// AddPostHook registers an observer invoked after the stage handler succeeds.
func (e *Executor) AddPostHook(stage string, hook Hook) error {
	if _, exists := e.stageIndex[stage]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	e.postHooks[stage] = append(e.postHooks[stage], hook)
	return nil
}

// StageNames returns the registration order of all stages.
func (e *Executor) StageNames() []string {
	names := make([]string, len(e.stages))
	for i, d := range e.stages {
		names[i] = d.name
	}
	return names
}

// Execute runs the stage graph to completion or first fatal failure and
// persists the finished state. Already-completed stage outputs are retained
// on failure.
func (e *Executor) Execute(ctx context.Context, input any) (*RunState, error) {
	if len(e.stages) == 0 {
		return nil, ErrNoStages
	}

	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}

	state := NewRunState(e.name, e.StageNames(), input)
	state.StartTime = time.Now()
	state.transition(StatusRunning)

	e.logger.Debug(ctx, "run started",
		zap.String("workflow", e.name),
		zap.String("run_id", state.RunID))

	runErr := e.runStages(ctx, state)

	if runErr != nil {
		state.Errors = append(state.Errors, runErr.Error())
		state.transition(StatusFailed)
	} else {
		state.transition(StatusCompleted)
	}
	state.EndTime = time.Now()

	if e.metrics != nil {
		e.metrics.observeRun(state)
	}
	e.logger.Info(ctx, "run finished",
		zap.String("workflow", e.name),
		zap.String("run_id", state.RunID),
		zap.String("status", string(state.Status)),
		zap.Duration("elapsed", state.Elapsed()))

	e.persist(state)
	return state, runErr
}

// runStages walks the graph in registration order, honoring routing
// overrides and parallel groups.
func (e *Executor) runStages(ctx context.Context, state *RunState) error {
	i := 0
	for i < len(e.stages) {
		if err := ctx.Err(); err != nil {
			return contextErr(ctx, err)
		}

		group := e.groupAt(i)
		if len(group) > 1 {
			if err := e.runParallelGroup(ctx, state, group); err != nil {
				return err
			}
			next, err := e.routeGroup(state, group)
			if err != nil {
				return err
			}
			i += len(group)
			if next != "" {
				var jumpErr error
				i, jumpErr = e.jump(state, i, next)
				if jumpErr != nil {
					return jumpErr
				}
			}
			continue
		}

		d := e.stages[i]
		completed, err := e.runStage(ctx, state, d)
		if err != nil {
			return err
		}
		i++
		if !completed {
			continue
		}
		if router, ok := e.routing[d.name]; ok {
			next, err := router(state.StageResults[d.name].Output)
			if err != nil {
				return Fatal(fmt.Errorf("router for stage %s: %w", d.name, err))
			}
			if next != "" {
				var jumpErr error
				i, jumpErr = e.jump(state, i, next)
				if jumpErr != nil {
					return jumpErr
				}
			}
		}
	}
	return nil
}

// groupAt returns the run of consecutive stages sharing a parallel group
// starting at index i. Sequential stages yield a single-element slice.
func (e *Executor) groupAt(i int) []*stageDef {
	d := e.stages[i]
	if d.group == "" {
		return e.stages[i : i+1]
	}
	j := i + 1
	for j < len(e.stages) && e.stages[j].group == d.group {
		j++
	}
	return e.stages[i:j]
}

// jump resolves a routing target, marking skipped-over stages. The target
// must be at or after the current position; routing never moves backward.
func (e *Executor) jump(state *RunState, cur int, next string) (int, error) {
	if next == StageEnd {
		e.markSkipped(state, cur, len(e.stages))
		return len(e.stages), nil
	}
	target, ok := e.stageIndex[next]
	if !ok {
		return 0, Fatal(fmt.Errorf("%w: routing target %s", ErrUnknownStage, next))
	}
	if target < cur {
		return 0, Fatal(fmt.Errorf("routing target %s is behind the current stage", next))
	}
	e.markSkipped(state, cur, target)
	return target, nil
}

// markSkipped records a skipped result for stages in [from, to).
func (e *Executor) markSkipped(state *RunState, from, to int) {
	for _, d := range e.stages[from:to] {
		state.setResult(d.name, &StageResult{
			StageName: d.name,
			Status:    StatusSkipped,
		})
	}
}

// routeGroup consults routers of parallel group members in registration
// order; the first override wins.
func (e *Executor) routeGroup(state *RunState, group []*stageDef) (string, error) {
	for _, d := range group {
		router, ok := e.routing[d.name]
		if !ok {
			continue
		}
		r := state.StageResults[d.name]
		if r == nil || r.Status != StatusCompleted {
			continue
		}
		next, err := router(r.Output)
		if err != nil {
			return "", Fatal(fmt.Errorf("router for stage %s: %w", d.name, err))
		}
		if next != "" {
			return next, nil
		}
	}
	return "", nil
}

// runParallelGroup fans the group out as concurrent attempts and joins them.
// If any member fails after exhausting retries, the whole group fails.
func (e *Executor) runParallelGroup(ctx context.Context, state *RunState, group []*stageDef) error {
	// Results are preallocated so each goroutine writes only its own entry.
	for _, d := range group {
		state.setResult(d.name, &StageResult{StageName: d.name, Status: StatusPending})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range group {
		d := d
		g.Go(func() error {
			_, err := e.runStage(gctx, state, d)
			return err
		})
	}
	return g.Wait()
}

// runStage evaluates the stage condition, then drives the retry loop.
// Returns whether the stage completed (false means skipped).
func (e *Executor) runStage(ctx context.Context, state *RunState, d *stageDef) (bool, error) {
	if d.condition != nil {
		ok, err := d.condition(state)
		if err != nil {
			return false, Fatal(fmt.Errorf("condition for stage %s: %w", d.name, err))
		}
		if !ok {
			state.setResult(d.name, &StageResult{
				StageName: d.name,
				Status:    StatusSkipped,
			})
			e.logger.Debug(ctx, "stage skipped",
				zap.String("run_id", state.RunID),
				zap.String("stage", d.name))
			return false, nil
		}
	}

	result := state.Result(d.name)
	if result == nil {
		result = &StageResult{StageName: d.name}
		state.setResult(d.name, result)
	}
	result.Status = StatusRunning
	start := time.Now()

	for _, hook := range e.preHooks[d.name] {
		hook(ctx, state)
	}

	output, err := e.attempt(ctx, state, d, result)

	result.Duration = time.Since(start)

	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		if e.metrics != nil {
			e.metrics.observeStage(e.name, d.name, result)
		}
		e.logger.Warn(ctx, "stage failed",
			zap.String("run_id", state.RunID),
			zap.String("stage", d.name),
			zap.Int("attempts", result.Attempts),
			zap.Error(err))
		return false, err
	}

	result.Status = StatusCompleted
	result.Output = output
	state.recordOutput(d.name, output)
	if e.metrics != nil {
		e.metrics.observeStage(e.name, d.name, result)
	}

	for _, hook := range e.postHooks[d.name] {
		hook(ctx, state)
	}
	return true, nil
}

// attempt runs the handler with retries and backoff. Fatal errors and
// context expiry end the loop immediately.
func (e *Executor) attempt(ctx context.Context, state *RunState, d *stageDef, result *StageResult) (any, error) {
	var lastErr error
	for {
		result.Attempts++

		attemptCtx := ctx
		var cancel context.CancelFunc
		if e.stageTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.stageTimeout)
		}
		output, err := d.handler(attemptCtx, state, state.Input)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return output, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
		// The run deadline overrides the retry budget.
		if ctx.Err() != nil {
			return nil, contextErr(ctx, lastErr)
		}
		if !e.policy.ShouldRetry(result.Attempts) {
			return nil, lastErr
		}

		delay := e.policy.Delay(result.Attempts)
		e.logger.Debug(ctx, "stage retrying",
			zap.String("run_id", state.RunID),
			zap.String("stage", d.name),
			zap.Int("attempt", result.Attempts),
			zap.Duration("delay", delay))
		if e.metrics != nil {
			e.metrics.observeRetry(e.name, d.name)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, contextErr(ctx, lastErr)
		}
	}
}

// contextErr classifies run-context expiry: a deadline is a run timeout,
// caller cancellation is reported as such.
func contextErr(ctx context.Context, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrRunTimeout, cause)
	}
	return fmt.Errorf("run canceled: %v", cause)
}

// persist writes the finished run record through the sink. Persistence
// failures are logged, not surfaced; the in-memory state is already final.
func (e *Executor) persist(state *RunState) {
	if e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sink.Record(ctx, state.Record()); err != nil {
		e.logger.Error(ctx, "run persistence failed",
			zap.String("run_id", state.RunID),
			zap.Error(err))
	}
}
