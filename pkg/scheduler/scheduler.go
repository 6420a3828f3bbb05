// Package scheduler executes a run's steps honoring their dependency
// graph: bounded concurrency, dependency-failure propagation, the
// DISABLED short circuit, and final summary aggregation.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/steprunner/pkg/depgraph"
	"github.com/cuemby/steprunner/pkg/envguard"
	"github.com/cuemby/steprunner/pkg/jobstate"
	"github.com/cuemby/steprunner/pkg/metrics"
	"github.com/cuemby/steprunner/pkg/persist"
	"github.com/cuemby/steprunner/pkg/schemavalidator"
	"github.com/cuemby/steprunner/pkg/store"
	"github.com/cuemby/steprunner/pkg/summary"
	"github.com/cuemby/steprunner/pkg/types"
)

// schemaValidationEnvVar is toggled by the scheduler for the duration
// of one run and observed by the Object Store's add path.
const schemaValidationEnvVar = "ENABLE_GRAPH_OBJECT_SCHEMA_VALIDATION"

// compressionEnvVar is only read by the scheduler, never written. The
// embedder controls it externally.
const compressionEnvVar = "INTEGRATION_FILE_COMPRESSION_ENABLED"

// Config configures one run of the scheduler.
type Config struct {
	Invocation types.InvocationConfig
	Instance   types.InstanceInfo
	Logger     types.Logger

	StagingRoot    string
	FlushThreshold int
	// Concurrency bounds the number of steps executing at once. A
	// safe default of 1 is used when unset.
	Concurrency int

	Validator schemavalidator.Validator
}

// Scheduler runs one integration invocation end to end.
type Scheduler struct {
	cfg    Config
	layout *persist.Layout
	store  *store.Store
}

// New builds a Scheduler for cfg.
func New(cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Scheduler{cfg: cfg}
}

// Run executes the validation phase, runs every step to a terminal
// status honoring dependencies, aggregates partial-dataset metadata,
// and writes summary.json. A non-nil error here means the run aborted
// before, or without ever producing, a step result vector: a
// configuration or validation failure rather than a step failure.
// The one exception is a failure to write summary.json, which returns
// the built summary alongside the error.
func (s *Scheduler) Run(ctx context.Context) (types.RunSummary, error) {
	invocationCtx := &types.InvocationContext{Instance: s.cfg.Instance, Logger: s.cfg.Logger}

	if s.cfg.Invocation.ValidateInvocation != nil {
		if err := s.cfg.Invocation.ValidateInvocation(invocationCtx); err != nil {
			s.cfg.Logger.ValidationFailure(err)
			return types.RunSummary{}, fmt.Errorf("scheduler: validateInvocation rejected the run: %w", err)
		}
	}

	steps := s.cfg.Invocation.IntegrationSteps
	startStates, err := s.resolveStartStates(invocationCtx, steps)
	if err != nil {
		return types.RunSummary{}, err
	}

	graph, err := depgraph.Build(steps)
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("scheduler: %w", err)
	}

	var execConfig map[string]any
	if s.cfg.Invocation.LoadExecutionConfig != nil {
		execConfig, err = s.cfg.Invocation.LoadExecutionConfig(invocationCtx)
		if err != nil {
			return types.RunSummary{}, fmt.Errorf("scheduler: loadExecutionConfig failed: %w", err)
		}
	}

	envGroup := envguard.NewGroup(map[string]string{
		schemaValidationEnvVar: boolEnvValue(s.cfg.Invocation.EnableSchemaValidation),
	})
	defer envGroup.Restore()

	compress := os.Getenv(compressionEnvVar) != ""
	s.layout = persist.NewLayout(s.cfg.StagingRoot, compress)
	if err := s.layout.Reset(); err != nil {
		return types.RunSummary{}, fmt.Errorf("scheduler: %w", err)
	}

	s.store = store.New(store.Config{
		FlushThreshold: s.cfg.FlushThreshold,
		Flusher:        s.layout,
		DiskIndex:      s.layout,
		DiskWalker:     s.layout,
		Validator:      s.cfg.Validator,
		ValidateEnabled: func() bool {
			return os.Getenv(schemaValidationEnvVar) != ""
		},
	})

	results := s.runSteps(ctx, steps, graph, startStates, execConfig)

	if s.cfg.Invocation.AfterExecution != nil {
		if err := s.cfg.Invocation.AfterExecution(invocationCtx); err != nil {
			s.cfg.Logger.Warn("afterExecution hook failed", map[string]any{"error": err.Error()})
		}
	}

	s.emitDiskUsage()

	rs := summary.Build(results)
	if err := s.layout.WriteSummary(rs); err != nil {
		return rs, fmt.Errorf("scheduler: %w", err)
	}
	return rs, nil
}

func boolEnvValue(enabled bool) string {
	if enabled {
		return "1"
	}
	return ""
}

// resolveStartStates evaluates getStepStartStates and verifies every
// declared step has an entry.
func (s *Scheduler) resolveStartStates(ctx *types.InvocationContext, steps []types.Step) (map[string]types.StartState, error) {
	if s.cfg.Invocation.GetStepStartStates == nil {
		states := make(map[string]types.StartState, len(steps))
		for _, step := range steps {
			states[step.ID] = types.StartState{}
		}
		return states, nil
	}

	states, err := s.cfg.Invocation.GetStepStartStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: getStepStartStates failed: %w", err)
	}
	for _, step := range steps {
		if _, ok := states[step.ID]; !ok {
			return nil, fmt.Errorf("scheduler: %w", &types.ErrStartStatesMissing{StepID: step.ID})
		}
	}
	return states, nil
}

// runSteps executes the graph layer by layer: every step whose
// dependencies have all reached a terminal status becomes runnable;
// a layer's runnable steps execute concurrently, bounded by
// Concurrency, before the next layer is considered. This both
// satisfies "a step does not start until all its dependencies have
// reached a terminal status" and gives a natural point to check for
// cancellation between layers.
func (s *Scheduler) runSteps(ctx context.Context, steps []types.Step, graph *depgraph.Graph, startStates map[string]types.StartState, execConfig map[string]any) []types.StepResult {
	byID := make(map[string]types.Step, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
	}

	statusOf := make(map[string]types.StepStatus, len(steps))
	resultOf := make(map[string]types.StepResult, len(steps))
	started := make(map[string]bool, len(steps))

	isTerminal := func(id string) bool { _, ok := statusOf[id]; return ok }

	for len(resultOf) < len(steps) {
		var layer []string
		for _, step := range steps {
			if started[step.ID] {
				continue
			}
			ready := true
			for _, dep := range graph.DependsOn(step.ID) {
				if !isTerminal(dep) {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, step.ID)
			}
		}
		if len(layer) == 0 {
			break
		}
		for _, id := range layer {
			started[id] = true
		}

		if ctx.Err() != nil {
			for _, id := range layer {
				result := cancelledResult(byID[id])
				statusOf[id] = result.Status
				resultOf[id] = result
			}
			continue
		}

		g := &errgroup.Group{}
		g.SetLimit(s.cfg.Concurrency)
		layerResults := make([]types.StepResult, len(layer))
		for i, id := range layer {
			i, id := i, id
			g.Go(func() error {
				layerResults[i] = s.runStep(ctx, byID[id], graph, statusOf, startStates[id], execConfig)
				return nil
			})
		}
		g.Wait()

		for _, r := range layerResults {
			statusOf[r.ID] = r.Status
			resultOf[r.ID] = r
		}
	}

	// Any step that never became runnable (shouldn't happen once
	// depgraph.Build has rejected cycles) is reported CANCELLED rather
	// than silently dropped.
	for _, step := range steps {
		if _, ok := resultOf[step.ID]; !ok {
			resultOf[step.ID] = cancelledResult(step)
		}
	}

	out := make([]types.StepResult, 0, len(steps))
	for _, step := range steps {
		out = append(out, resultOf[step.ID])
	}
	return out
}

func cancelledResult(step types.Step) types.StepResult {
	return types.StepResult{
		ID:            step.ID,
		Name:          step.Name,
		DeclaredTypes: step.DeclaredTypes(),
		PartialTypes:  step.PartialTypes(),
		DependsOn:     step.DependsOn,
		Status:        types.StepStatusCancelled,
	}
}

// runStep executes a single step to a terminal status.
func (s *Scheduler) runStep(ctx context.Context, step types.Step, graph *depgraph.Graph, statusOf map[string]types.StepStatus, start types.StartState, execConfig map[string]any) types.StepResult {
	logger := s.cfg.Logger.Child(map[string]any{"step": step.ID})
	timer := metrics.NewTimer()

	result := types.StepResult{
		ID:            step.ID,
		Name:          step.Name,
		DeclaredTypes: step.DeclaredTypes(),
		PartialTypes:  step.PartialTypes(),
		DependsOn:     step.DependsOn,
	}

	if start.Disabled {
		result.Status = types.StepStatusDisabled
		s.recordStepMetrics(timer, step.ID, result.Status)
		return result
	}

	hasFailedDependency := false
	for _, dep := range graph.DependsOn(step.ID) {
		switch statusOf[dep] {
		case types.StepStatusFailure, types.StepStatusPartialSuccessDueToDependencyFailure:
			hasFailedDependency = true
		}
	}

	js := jobstate.New(step.ID, s.store, jobstate.Hooks{
		BeforeAddEntity:       s.cfg.Invocation.BeforeAddEntity,
		BeforeAddRelationship: s.cfg.Invocation.BeforeAddRelationship,
	})

	stepCtx := &types.StepContext{
		JobState:        js,
		Instance:        s.cfg.Instance,
		Logger:          logger,
		ExecutionConfig: execConfig,
	}

	runHandler := func() error {
		if step.ExecutionHandler == nil {
			return nil
		}
		return step.ExecutionHandler(stepCtx)
	}

	var handlerErr error
	if s.cfg.Invocation.ExecutionHandlerWrapper != nil {
		handlerErr = s.cfg.Invocation.ExecutionHandlerWrapper(stepCtx, runHandler)
	} else {
		handlerErr = runHandler()
	}

	if flushErr := s.store.Flush(); flushErr != nil && handlerErr == nil {
		handlerErr = flushErr
	}

	result.EncounteredTypes = js.EncounteredTypes()

	switch {
	case handlerErr != nil:
		logger.Error("step failed", map[string]any{"error": handlerErr.Error()})
		result.Status = types.StepStatusFailure
	case hasFailedDependency:
		result.Status = types.StepStatusPartialSuccessDueToDependencyFailure
	default:
		result.Status = types.StepStatusSuccess
	}

	s.recordStepMetrics(timer, step.ID, result.Status)
	return result
}

func (s *Scheduler) recordStepMetrics(timer *metrics.Timer, stepID string, status types.StepStatus) {
	timer.ObserveDurationVec(metrics.StepDuration, stepID, string(status))
	metrics.StepsTotal.WithLabelValues(string(status)).Inc()
}

// emitDiskUsage computes the staging directory's total byte size and
// publishes it through the logger.
func (s *Scheduler) emitDiskUsage() {
	var total int64
	_ = filepath.Walk(s.cfg.StagingRoot, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	metrics.DiskUsageBytes.Set(float64(total))
	s.cfg.Logger.PublishMetric(types.Metric{Name: "disk-usage", Unit: "Bytes", Value: float64(total)})
}
