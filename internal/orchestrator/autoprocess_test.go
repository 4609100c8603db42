package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cradlesec/cradle/internal/config"
	"github.com/cradlesec/cradle/internal/queue"
	"github.com/cradlesec/cradle/internal/task"
)

// testQueue creates an in-memory task queue and registers cleanup.
func testQueue(t *testing.T) *queue.Store {
	t.Helper()
	store, err := queue.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("failed to create test queue: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// testConfig returns a config rooted in a throwaway storage directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StorageRoot = t.TempDir()
	return cfg
}

// addCompleted queues n tasks and drives them to completed, returning
// their ids in completion order.
func addCompleted(t *testing.T, store *queue.Store, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	var ids []int64
	for i := 0; i < n; i++ {
		target := filepath.Join(dir, "sample"+string(rune('a'+i)))
		if err := os.WriteFile(target, []byte("sample"), 0644); err != nil {
			t.Fatalf("failed to write target: %v", err)
		}
		id, err := store.Add(ctx, task.Spec{TargetPath: target})
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if err := store.Complete(ctx, id, true); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	}
	return ids
}

// fakeHandle is a worker handle tests resolve by hand.
type fakeHandle struct {
	mu     sync.Mutex
	done   chan struct{}
	err    error
	killed bool
	closed bool
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	return nil
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *fakeHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.err = err
	h.closed = true
	close(h.done)
}

// fakeLauncher records launches and tracks peak concurrency. When auto is
// set it is invoked per launch to resolve the handle immediately.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []int64
	handles  map[int64]*fakeHandle
	active   int
	peak     int
	auto     func(id int64, h *fakeHandle)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{handles: make(map[int64]*fakeHandle)}
}

func (l *fakeLauncher) Launch(ctx context.Context, t *task.Task) (Handle, error) {
	l.mu.Lock()
	h := &fakeHandle{done: make(chan struct{})}
	l.launched = append(l.launched, t.ID)
	l.handles[t.ID] = h
	l.active++
	if l.active > l.peak {
		l.peak = l.active
	}
	auto := l.auto
	l.mu.Unlock()

	if auto != nil {
		auto(t.ID, h)
	}
	go func() {
		<-h.done
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
	}()
	return h, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func (l *fakeLauncher) handle(id int64) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[id]
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunDrainsAtMaxCount(t *testing.T) {
	store := testQueue(t)
	cfg := testConfig(t)
	cfg.Processing.MaxAnalysisCount = 2
	ctx := context.Background()

	ids := addCompleted(t, store, 3)

	l := newFakeLauncher()
	l.auto = func(id int64, h *fakeHandle) {
		// A successful worker commits reported itself before exiting.
		if err := store.SetStatus(ctx, id, task.StatusReported); err != nil {
			t.Errorf("SetStatus failed: %v", err)
		}
		h.finish(nil)
	}

	ap := NewAutoProcessor(cfg, store, l, nil)
	ap.Backoff = time.Millisecond

	if err := ap.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := l.launchCount(); got != 2 {
		t.Fatalf("launched %d workers, want exactly 2", got)
	}

	// Oldest-completed tasks go first; the third stays completed for a
	// later run to pick up.
	for _, id := range ids[:2] {
		got, err := store.View(ctx, id)
		if err != nil {
			t.Fatalf("View failed: %v", err)
		}
		if got.Status != task.StatusReported {
			t.Errorf("task %d status = %q, want reported", id, got.Status)
		}
	}
	got, err := store.View(ctx, ids[2])
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("task %d status = %q, want completed", ids[2], got.Status)
	}
}

func TestRunHonorsParallelism(t *testing.T) {
	store := testQueue(t)
	cfg := testConfig(t)
	cfg.Processing.Parallelism = 2
	cfg.Processing.MaxAnalysisCount = 4
	ctx := context.Background()

	ids := addCompleted(t, store, 4)

	l := newFakeLauncher()
	ap := NewAutoProcessor(cfg, store, l, nil)
	ap.Backoff = time.Millisecond

	errCh := make(chan error, 1)
	go func() { errCh <- ap.Run(ctx) }()

	waitFor(t, "first two launches", func() bool { return l.launchCount() == 2 })

	// The pool is saturated; several backoff intervals later nothing new
	// may have started.
	time.Sleep(20 * time.Millisecond)
	if got := l.launchCount(); got != 2 {
		t.Fatalf("launched %d workers with a saturated pool, want 2", got)
	}

	finish := func(id int64) {
		if err := store.SetStatus(ctx, id, task.StatusReported); err != nil {
			t.Fatalf("SetStatus failed: %v", err)
		}
		l.handle(id).finish(nil)
	}

	finish(ids[0])
	waitFor(t, "third launch", func() bool { return l.launchCount() == 3 })
	finish(ids[1])
	waitFor(t, "fourth launch", func() bool { return l.launchCount() == 4 })
	finish(ids[2])
	finish(ids[3])

	if err := <-errCh; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peak > 2 {
		t.Errorf("peak concurrency %d exceeds the worker cap", l.peak)
	}
	seen := make(map[int64]bool)
	for _, id := range l.launched {
		if seen[id] {
			t.Errorf("task %d submitted twice", id)
		}
		seen[id] = true
	}
}

func TestRunClassifiesWorkerFailure(t *testing.T) {
	store := testQueue(t)
	cfg := testConfig(t)
	cfg.Processing.MaxAnalysisCount = 2
	ctx := context.Background()

	ids := addCompleted(t, store, 2)
	crashed := ids[0]

	l := newFakeLauncher()
	l.auto = func(id int64, h *fakeHandle) {
		if id == crashed {
			h.finish(errors.New("exit status 1"))
			return
		}
		if err := store.SetStatus(ctx, id, task.StatusReported); err != nil {
			t.Errorf("SetStatus failed: %v", err)
		}
		h.finish(nil)
	}

	ap := NewAutoProcessor(cfg, store, l, nil)
	ap.Backoff = time.Millisecond

	if err := ap.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := store.View(ctx, crashed)
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if got.Status != task.StatusFailedProcessing {
		t.Errorf("crashed task status = %q, want failed_processing", got.Status)
	}

	// One worker's crash never poisons its siblings.
	other, err := store.View(ctx, ids[1])
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if other.Status != task.StatusReported {
		t.Errorf("surviving task status = %q, want reported", other.Status)
	}
}

func TestRunCancellationKillsWorkers(t *testing.T) {
	store := testQueue(t)
	cfg := testConfig(t)
	cfg.Processing.Parallelism = 2

	ids := addCompleted(t, store, 2)

	l := newFakeLauncher()
	ap := NewAutoProcessor(cfg, store, l, nil)
	ap.Backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ap.Run(ctx) }()

	waitFor(t, "both launches", func() bool { return l.launchCount() == 2 })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	for _, id := range ids {
		if !l.handle(id).wasKilled() {
			t.Errorf("worker for task %d not killed on cancellation", id)
		}
		// Interrupted tasks keep their last committed status.
		got, err := store.View(context.Background(), id)
		if err != nil {
			t.Fatalf("View failed: %v", err)
		}
		if got.Status != task.StatusCompleted {
			t.Errorf("task %d status = %q after interrupt, want completed", id, got.Status)
		}
	}
}

func TestRunNoCompletedTasksIdles(t *testing.T) {
	store := testQueue(t)
	cfg := testConfig(t)

	l := newFakeLauncher()
	ap := NewAutoProcessor(cfg, store, l, nil)
	ap.Backoff = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := ap.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v, want context.DeadlineExceeded", err)
	}
	if got := l.launchCount(); got != 0 {
		t.Errorf("launched %d workers from an empty queue", got)
	}
}
