// Package pipeline defines the post-execution stage sequence: processing
// stages reconstruct analysis artifacts, signature stages evaluate them,
// reporting stages persist the outcome. The orchestrator invokes the whole
// sequence once per claimed task and classifies any stage error as a
// processing failure.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/gammazero/toposort"

	"github.com/cradlesec/cradle/internal/task"
)

// Phase groups stages into the three fixed execution phases.
type Phase string

const (
	PhaseProcessing Phase = "processing"
	PhaseSignatures Phase = "signatures"
	PhaseReporting  Phase = "reporting"
)

// Stage is one unit of post-processing work. Stages in a phase run
// sequentially in dependency order.
type Stage interface {
	// Name identifies the stage within its phase.
	Name() string
	// Deps lists stage names (same phase) that must run first.
	Deps() []string
	// Run executes the stage against the task, merging into res.
	Run(ctx context.Context, t *task.Task, res *Results) error
}

// StageError wraps a failure with the phase and stage that produced it.
type StageError struct {
	Phase Phase
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage %q: %v", e.Phase, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline is a registry of stages per phase.
type Pipeline struct {
	stages map[Phase][]Stage
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{stages: make(map[Phase][]Stage)}
}

// Register adds a stage to a phase. Ordering is resolved at run time.
func (p *Pipeline) Register(phase Phase, s Stage) {
	p.stages[phase] = append(p.stages[phase], s)
}

// Ordered returns the phase's stages sorted so every stage runs after its
// declared dependencies. A dependency on an unregistered stage or a cycle
// is an error.
func (p *Pipeline) Ordered(phase Phase) ([]Stage, error) {
	stages := p.stages[phase]
	byName := make(map[string]Stage, len(stages))
	for _, s := range stages {
		if _, dup := byName[s.Name()]; dup {
			return nil, fmt.Errorf("%s phase: duplicate stage %q", phase, s.Name())
		}
		byName[s.Name()] = s
	}

	var edges []toposort.Edge
	for _, s := range stages {
		if len(s.Deps()) == 0 {
			edges = append(edges, toposort.Edge{nil, s.Name()})
			continue
		}
		for _, dep := range s.Deps() {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("%s phase: stage %q depends on unregistered stage %q", phase, s.Name(), dep)
			}
			edges = append(edges, toposort.Edge{dep, s.Name()})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%s phase: stage graph has a cycle: %w", phase, err)
	}

	ordered := make([]Stage, 0, len(stages))
	for _, name := range sorted {
		if name == nil {
			continue
		}
		ordered = append(ordered, byName[name.(string)])
	}
	return ordered, nil
}

// RunPhase executes every stage in the phase, recording per-stage timing
// in the accumulator's statistics. The first failing stage aborts the
// phase and its error reports which stage failed.
func (p *Pipeline) RunPhase(ctx context.Context, phase Phase, t *task.Task, res *Results) error {
	ordered, err := p.Ordered(phase)
	if err != nil {
		return err
	}

	for _, s := range ordered {
		if err := ctx.Err(); err != nil {
			return &StageError{Phase: phase, Stage: s.Name(), Err: err}
		}

		start := time.Now()
		err := runStage(ctx, s, t, res)
		stat := StageStat{Name: s.Name(), Elapsed: time.Since(start)}
		switch phase {
		case PhaseProcessing:
			res.Statistics.Processing = append(res.Statistics.Processing, stat)
		case PhaseSignatures:
			res.Statistics.Signatures = append(res.Statistics.Signatures, stat)
		case PhaseReporting:
			res.Statistics.Reporting = append(res.Statistics.Reporting, stat)
		}
		if err != nil {
			return &StageError{Phase: phase, Stage: s.Name(), Err: err}
		}
	}
	return nil
}

// runStage invokes s.Run, converting a panic into a stage failure so a
// misbehaving stage can't take the whole invocation down.
func runStage(ctx context.Context, s Stage, t *task.Task, res *Results) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return s.Run(ctx, t, res)
}
