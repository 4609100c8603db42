// Command cradle runs sandbox post-processing: report generation for a
// single analysis task, or the continuous orchestration loop over every
// newly-completed task.
//
// Usage:
//
//	cradle [-debug] [-report] [-parallel N] <task-id|auto>
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cradlesec/cradle/internal/blobstore"
	"github.com/cradlesec/cradle/internal/config"
	"github.com/cradlesec/cradle/internal/events"
	"github.com/cradlesec/cradle/internal/orchestrator"
	"github.com/cradlesec/cradle/internal/queue"
	"github.com/cradlesec/cradle/internal/task"
)

func main() {
	debug := flag.Bool("debug", false, "display debug messages")
	report := flag.Bool("report", false, "re-generate the report (single-task mode)")
	parallel := flag.Int("parallel", 1, "number of parallel worker processes (auto mode only)")
	priority := flag.Int("priority", 1, "task priority (submit mode only)")
	timeout := flag.Int("timeout", 0, "analysis timeout in seconds (submit mode only)")
	workerTask := flag.Int64("worker-task", 0, "") // internal: worker-mode task id
	flag.Parse()

	// Local overrides (database paths etc.) may live in a .env file.
	_ = godotenv.Load()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *workerTask > 0 {
		os.Exit(runWorker(cfg, *workerTask))
	}

	if flag.NArg() == 2 && flag.Arg(0) == "submit" {
		os.Exit(runSubmit(cfg, flag.Arg(1), *priority, *timeout, *debug))
	}
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [-debug] [-report] [-parallel N] <task-id|auto>\n"+
			"       %s [-priority N] [-timeout N] submit <file>\n", os.Args[0], os.Args[0])
		os.Exit(2)
	}

	if flag.Arg(0) == "auto" {
		os.Exit(runAuto(cfg, *parallel, *debug))
	}

	id, err := strconv.ParseInt(flag.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid task id %q\n", flag.Arg(0))
		os.Exit(2)
	}
	os.Exit(runSingle(cfg, id, *report))
}

// openStores opens the task queue and, when enabled, the blob store.
func openStores(ctx context.Context, cfg *config.Config) (*queue.Store, *blobstore.Store, error) {
	store, err := queue.Open(ctx, cfg.QueueDatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("opening task queue: %w", err)
	}

	var blobs *blobstore.Store
	if cfg.BlobStore.Enabled {
		blobs, err = blobstore.Open(ctx, cfg.BlobDatabasePath(), cfg.BlobFilesPath())
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("opening blob store: %w", err)
		}
	}
	return store, blobs, nil
}

// runSubmit queues a file for analysis: the sample is hashed, copied into
// binary storage, and a pending task is added.
func runSubmit(cfg *config.Config, path string, priority, timeout int, debug bool) int {
	ctx := context.Background()

	store, err := queue.Open(ctx, cfg.QueueDatabasePath())
	if err != nil {
		log.Printf("ERROR: opening task queue: %v", err)
		return 1
	}
	defer store.Close()

	bus := events.NewBus()
	logged := make(chan struct{})
	if debug {
		ch := bus.SubscribeAll(1)
		go func() {
			logEvents(ch)
			close(logged)
		}()
	} else {
		close(logged)
	}
	defer func() {
		bus.Close()
		<-logged
	}()

	hash, err := storeBinaryCopy(cfg, path)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return 1
	}

	id, err := store.Add(ctx, task.Spec{
		TargetPath:  path,
		ContentHash: hash,
		Priority:    priority,
		Timeout:     timeout,
	})
	if err != nil {
		log.Printf("ERROR: failed to queue %s: %v", path, err)
		return 1
	}

	bus.Publish(events.TopicTask, events.TaskQueuedEvent{
		ID:         id,
		TargetPath: path,
		Priority:   priority,
		Timestamp:  time.Now(),
	})
	log.Printf("Added task #%d for %s", id, path)
	return 0
}

// storeBinaryCopy hashes the sample and copies it under
// storage/binaries/<sha256>, returning the hash.
func storeBinaryCopy(cfg *config.Config, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading sample: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	dst := cfg.BinaryPath(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("creating binary storage: %w", err)
	}
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return "", fmt.Errorf("storing binary copy: %w", err)
		}
	}
	return hash, nil
}

// runWorker executes post-processing for one task inside a spawned worker
// process. Interrupts are ignored here: only the orchestrator process
// decides shutdown ordering, and it does so with a process-group kill.
func runWorker(cfg *config.Config, id int64) int {
	signal.Ignore(os.Interrupt)

	ctx := context.Background()
	store, blobs, err := openStores(ctx, cfg)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return 1
	}
	defer store.Close()
	if blobs != nil {
		defer blobs.Close()
	}

	t, err := store.View(ctx, id)
	if err != nil {
		log.Printf("ERROR: worker: %v", err)
		return 1
	}

	proc := orchestrator.NewProcessor(cfg, store, blobs, nil)
	if err := proc.Run(ctx, t, true, true); err != nil {
		log.Printf("ERROR: processing task #%d: %v", id, err)
		return 1
	}
	return 0
}

// runSingle regenerates one task's analysis in-process. A pipeline
// failure is committed as failed_processing so task inspection shows it.
func runSingle(cfg *config.Config, id int64, report bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, blobs, err := openStores(ctx, cfg)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return 1
	}
	defer store.Close()
	if blobs != nil {
		defer blobs.Close()
	}

	t, err := store.View(ctx, id)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return 1
	}

	proc := orchestrator.NewProcessor(cfg, store, blobs, nil)
	if err := proc.Run(ctx, t, report, false); err != nil {
		if errors.Is(err, context.Canceled) {
			return 1
		}
		log.Printf("ERROR: processing task #%d: %v", id, err)
		if serr := store.SetStatus(ctx, id, task.StatusFailedProcessing); serr != nil {
			log.Printf("WARNING: failed to mark task #%d failed_processing: %v", id, serr)
		}
		return 1
	}
	log.Printf("Task #%d: reports generation completed", id)
	return 0
}

// runAuto runs the continuous orchestration loop until interrupted or the
// configured analysis cap drains.
func runAuto(cfg *config.Config, parallel int, debug bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if parallel > 0 {
		cfg.Processing.Parallelism = parallel
	}

	store, blobs, err := openStores(ctx, cfg)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return 1
	}
	defer store.Close()
	if blobs != nil {
		defer blobs.Close()
	}

	pm := orchestrator.NewProcessManager()
	launcher, err := orchestrator.NewProcessLauncher(pm, debug)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return 1
	}

	bus := events.NewBus()
	defer bus.Close()
	if debug {
		go logEvents(bus.SubscribeAll(0))
	}

	auto := orchestrator.NewAutoProcessor(cfg, store, launcher, bus)
	err = auto.Run(ctx)

	// Backstop: anything the loop didn't already kill and reap.
	if kerr := pm.KillAll(); kerr != nil {
		log.Printf("WARNING: error killing workers: %v", kerr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("ERROR: orchestration loop: %v", err)
		return 1
	}
	log.Println("Shutdown complete")
	return 0
}

// logEvents drains the event stream for debug output.
func logEvents(ch <-chan events.Event) {
	for e := range ch {
		if id := e.TaskID(); id > 0 {
			log.Printf("event %s task #%d", e.EventType(), id)
		} else {
			log.Printf("event %s", e.EventType())
		}
	}
}
