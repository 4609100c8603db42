// Package orchestrator contains the continuous scheduling loop that turns
// completed executions into reported analyses: it discovers
// newly-completed tasks, fans their post-processing out to a bounded pool
// of isolated worker processes, classifies failures, and finalizes task
// status.
package orchestrator

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cradlesec/cradle/internal/config"
	"github.com/cradlesec/cradle/internal/events"
	"github.com/cradlesec/cradle/internal/queue"
	"github.com/cradlesec/cradle/internal/task"
)

// defaultBackoff is the fixed sleep between loop passes when the pool is
// saturated or no work was found.
const defaultBackoff = 5 * time.Second

// flight is one outstanding worker invocation.
type flight struct {
	handle Handle
	id     int64
	target string
	since  time.Time
}

// AutoProcessor is the continuous post-processing loop. The control loop
// itself is single-threaded; task execution happens in worker processes
// capped at Parallelism.
type AutoProcessor struct {
	cfg      *config.Config
	store    *queue.Store
	launcher Launcher
	bus      *events.Bus // optional

	// Parallelism is the in-flight worker cap (P). MaxCount is the
	// lifetime submission cap; 0 means unlimited.
	Parallelism int
	MaxCount    int

	// Backoff overrides the loop sleep; tests shrink it.
	Backoff time.Duration
}

// NewAutoProcessor creates the loop with limits taken from configuration.
func NewAutoProcessor(cfg *config.Config, store *queue.Store, launcher Launcher, bus *events.Bus) *AutoProcessor {
	parallelism := cfg.Processing.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	return &AutoProcessor{
		cfg:         cfg,
		store:       store,
		launcher:    launcher,
		bus:         bus,
		Parallelism: parallelism,
		MaxCount:    cfg.Processing.MaxAnalysisCount,
		Backoff:     defaultBackoff,
	}
}

// Run executes the scheduling loop until the submission cap is reached
// and all in-flight work has drained, or until ctx is cancelled.
// Cancellation force-kills outstanding workers, waits for every handle,
// and returns the context error; tasks mid-flight keep whatever status
// they last committed.
func (a *AutoProcessor) Run(ctx context.Context) error {
	submitted := 0
	inFlight := make(map[int64]flight)

	for {
		if ctx.Err() != nil {
			a.terminate(inFlight)
			return ctx.Err()
		}

		// Reap finished workers. Success means the worker already moved
		// the task to reported itself; anything else is forced to
		// failed_processing.
		for id, f := range inFlight {
			select {
			case <-f.handle.Done():
				a.reap(ctx, f)
				delete(inFlight, id)
			default:
			}
		}

		// Cap reached: nothing new may be submitted, only drained.
		if a.MaxCount > 0 && submitted >= a.MaxCount {
			if len(inFlight) == 0 {
				return nil
			}
			a.sleep(ctx)
			continue
		}

		// Backpressure: pool saturated, no discovery this pass.
		if len(inFlight) >= a.Parallelism {
			a.sleep(ctx)
			continue
		}

		tasks, err := a.store.ListStatus(ctx, task.StatusCompleted, a.Parallelism)
		if err != nil {
			log.Printf("ERROR: failed to list completed tasks: %v", err)
			a.sleep(ctx)
			continue
		}

		// Submit at most one task per pass so a burst of completed work
		// can't overshoot MaxCount.
		added := false
		for _, t := range tasks {
			if _, busy := inFlight[t.ID]; busy {
				continue
			}

			log.Printf("Processing analysis data for task #%d", t.ID)
			h, err := a.launcher.Launch(ctx, t)
			if err != nil {
				log.Printf("ERROR: failed to launch worker for task #%d: %v", t.ID, err)
				break
			}

			inFlight[t.ID] = flight{handle: h, id: t.ID, target: t.TargetPath, since: time.Now()}
			submitted++
			added = true

			a.publish(events.TopicTask, events.TaskSubmittedEvent{
				ID: t.ID, Target: t.TargetPath, Timestamp: time.Now(),
			})
			a.publish(events.TopicQueue, events.QueueProgressEvent{
				Submitted: submitted, InFlight: len(inFlight),
				MaxCount: a.MaxCount, Timestamp: time.Now(),
			})
			break
		}

		if !added {
			a.sleep(ctx)
		}
	}
}

// reap classifies one finished worker.
func (a *AutoProcessor) reap(ctx context.Context, f flight) {
	if err := f.handle.Err(); err != nil {
		log.Printf("ERROR: processing task #%d failed: %v", f.id, err)
		// Force the terminal status so the task isn't rediscovered and
		// resubmitted forever. If this commit fails the task stays
		// completed and the next pass retries the whole thing.
		if serr := a.store.SetStatus(ctx, f.id, task.StatusFailedProcessing); serr != nil {
			log.Printf("WARNING: failed to mark task #%d failed_processing: %v", f.id, serr)
		}
		a.publish(events.TopicTask, events.TaskFailedEvent{
			ID: f.id, Err: err, Timestamp: time.Now(),
		})
		return
	}

	log.Printf("Task #%d: reports generation completed", f.id)
	a.publish(events.TopicTask, events.TaskReportedEvent{
		ID: f.id, Duration: time.Since(f.since), Timestamp: time.Now(),
	})
}

// terminate force-kills every outstanding worker and waits for all of
// them. Not a graceful drain: this is the interrupt path.
func (a *AutoProcessor) terminate(inFlight map[int64]flight) {
	for _, f := range inFlight {
		if err := f.handle.Kill(); err != nil {
			log.Printf("WARNING: failed to kill worker for task #%d: %v", f.id, err)
		}
	}

	g := new(errgroup.Group)
	for _, f := range inFlight {
		f := f
		g.Go(func() error {
			<-f.handle.Done()
			return nil
		})
	}
	_ = g.Wait()
}

// sleep waits one backoff interval, returning early on cancellation.
func (a *AutoProcessor) sleep(ctx context.Context) {
	backoff := a.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}

func (a *AutoProcessor) publish(topic string, e events.Event) {
	if a.bus != nil {
		a.bus.Publish(topic, e)
	}
}
