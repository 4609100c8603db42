package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cradlesec/cradle/internal/blobstore"
	"github.com/cradlesec/cradle/internal/config"
	"github.com/cradlesec/cradle/internal/events"
	"github.com/cradlesec/cradle/internal/pipeline"
	"github.com/cradlesec/cradle/internal/queue"
	"github.com/cradlesec/cradle/internal/task"
)

// Processor runs the full post-execution sequence for one task:
// processing stages, signature stages, then (when requested) blob cleanup,
// reporting stages and the reported status commit. It runs inside worker
// processes in auto mode and in the main process for single-task mode.
type Processor struct {
	cfg      *config.Config
	store    *queue.Store
	blobs    *blobstore.Store // nil when the blob store is disabled
	bus      *events.Bus      // optional
	pipe     *pipeline.Pipeline
	breakers *BreakerRegistry
	locks    *PathLocker
}

// NewProcessor wires the stock pipeline for the given stores.
func NewProcessor(cfg *config.Config, store *queue.Store, blobs *blobstore.Store, bus *events.Bus) *Processor {
	p := &Processor{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		bus:      bus,
		pipe:     buildPipeline(cfg, blobs),
		breakers: NewBreakerRegistry(),
		locks:    NewPathLocker(),
	}
	return p
}

// buildPipeline registers the stock stages. The jsondump reporter runs
// after blobdocs when both are enabled so the dump carries the analysis
// document id.
func buildPipeline(cfg *config.Config, blobs *blobstore.Store) *pipeline.Pipeline {
	p := pipeline.New()

	p.Register(pipeline.PhaseProcessing, &pipeline.TargetInfoStage{Cfg: cfg})
	p.Register(pipeline.PhaseProcessing, &pipeline.ScreenshotsStage{Cfg: cfg})
	p.Register(pipeline.PhaseProcessing, &pipeline.NetworkStage{Cfg: cfg})
	p.Register(pipeline.PhaseProcessing, &pipeline.DroppedStage{Cfg: cfg})
	p.Register(pipeline.PhaseProcessing, &pipeline.BehaviorStage{Cfg: cfg})

	p.Register(pipeline.PhaseSignatures, &pipeline.SignaturesStage{Sigs: pipeline.DefaultSignatures()})

	var reportDeps []string
	if blobs != nil && cfg.BlobStore.Enabled {
		p.Register(pipeline.PhaseReporting, &pipeline.BlobDocsStage{Cfg: cfg, Store: blobs})
		reportDeps = []string{"blobdocs"}
	}
	if cfg.Reporting.JSONDump {
		p.Register(pipeline.PhaseReporting, &pipeline.JSONDumpStage{Cfg: cfg, RunAfter: reportDeps})
	}
	return p
}

// SetPipeline replaces the stage registry; used by tests.
func (p *Processor) SetPipeline(pipe *pipeline.Pipeline) {
	p.pipe = pipe
}

// Run executes the pipeline for t. With report set, previously stored
// analysis data is cleaned up (reference-counted) before the report is
// regenerated and the task is marked reported. With auto set, a fully
// successful report may also delete the original sample and/or its stored
// copy, per configuration.
func (p *Processor) Run(ctx context.Context, t *task.Task, report, auto bool) error {
	dir := p.cfg.AnalysisPath(t.ID)
	p.locks.Lock(dir)
	defer p.locks.Unlock(dir)

	start := time.Now()
	res := pipeline.NewResults(t.ID)

	if err := p.breakers.runPhase(ctx, p.pipe, pipeline.PhaseProcessing, t, res); err != nil {
		return err
	}
	if err := p.breakers.runPhase(ctx, p.pipe, pipeline.PhaseSignatures, t, res); err != nil {
		return err
	}

	if !report {
		return nil
	}

	// Drop the prior analysis documents and any artifacts only they
	// reference, then write the new report over clean ground. A cleanup
	// failure over-retains blobs; it never blocks the report.
	if p.blobs != nil && p.cfg.BlobStore.Enabled {
		if err := p.blobs.Cleanup(ctx, t.ID); err != nil {
			log.Printf("WARNING: blob cleanup for task #%d: %v", t.ID, err)
		}
		p.publish(events.TopicTask, events.BlobCleanupEvent{ID: t.ID, Timestamp: time.Now()})
	}

	if err := p.breakers.runPhase(ctx, p.pipe, pipeline.PhaseReporting, t, res); err != nil {
		return err
	}

	if err := p.store.SetStatus(ctx, t.ID, task.StatusReported); err != nil {
		return fmt.Errorf("report written but status commit failed: %w", err)
	}

	if auto {
		p.deleteSample(t)
	}

	p.publish(events.TopicTask, events.TaskReportedEvent{
		ID:        t.ID,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	})
	return nil
}

// deleteSample removes the original target and/or the stored binary copy
// after a fully successful report, when configured to.
func (p *Processor) deleteSample(t *task.Task) {
	if p.cfg.Processing.DeleteOriginal && t.TargetPath != "" {
		if err := os.Remove(t.TargetPath); err != nil && !os.IsNotExist(err) {
			log.Printf("WARNING: failed to delete original sample %s: %v", t.TargetPath, err)
		}
	}
	if p.cfg.Processing.DeleteBinCopy && t.ContentHash != "" {
		copyPath := p.cfg.BinaryPath(t.ContentHash)
		if err := os.Remove(copyPath); err != nil && !os.IsNotExist(err) {
			log.Printf("WARNING: failed to delete binary copy %s: %v", copyPath, err)
		}
	}
}

func (p *Processor) publish(topic string, e events.Event) {
	if p.bus != nil {
		p.bus.Publish(topic, e)
	}
}
