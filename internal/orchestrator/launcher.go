package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/cradlesec/cradle/internal/task"
)

// Handle tracks one outstanding worker invocation. Done is closed when
// the worker finishes; Err is only meaningful after that.
type Handle interface {
	Done() <-chan struct{}
	Err() error
	Kill() error
}

// Launcher starts post-processing workers. The production implementation
// spawns OS processes; tests substitute their own.
type Launcher interface {
	Launch(ctx context.Context, t *task.Task) (Handle, error)
}

// ProcessLauncher re-executes the current binary in worker mode, one
// isolated OS process per task. A crash or resource blowup inside the
// processing pipeline then can't corrupt the orchestrator's own state.
type ProcessLauncher struct {
	exe   string
	debug bool
	pm    *ProcessManager
}

// NewProcessLauncher creates a launcher for the current executable.
func NewProcessLauncher(pm *ProcessManager, debug bool) (*ProcessLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return &ProcessLauncher{exe: exe, debug: debug, pm: pm}, nil
}

// Launch spawns a worker process for the task and returns its handle.
func (l *ProcessLauncher) Launch(ctx context.Context, t *task.Task) (Handle, error) {
	args := []string{"-worker-task", strconv.FormatInt(t.ID, 10)}
	if l.debug {
		args = append(args, "-debug")
	}

	// Workers must outlive a cancelled loop context long enough to be
	// reaped, so the command is not bound to ctx; the orchestrator kills
	// the process group explicitly on cancellation.
	cmd := newWorkerCommand(context.Background(), l.exe, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker for task #%d: %w", t.ID, err)
	}
	l.pm.Track(cmd)

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		l.pm.Untrack(cmd)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

type processHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *processHandle) Kill() error {
	return killProcessGroup(h.cmd)
}
