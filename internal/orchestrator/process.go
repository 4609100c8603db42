package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
)

// newWorkerCommand creates an exec.Cmd with process group isolation. The
// Setpgid flag puts the worker in its own process group so the whole
// subprocess tree can be terminated in one signal, and a terminal SIGINT
// aimed at the orchestrator's group never reaches the workers.
func newWorkerCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// killProcessGroup SIGKILLs the worker's whole process group. SIGKILL, not
// SIGTERM: a worker stuck mid-pipeline holds an analysis slot, and graceful
// shutdown of a half-written report is not worth having.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("worker never started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager is the shutdown backstop for worker processes. The
// orchestration loop kills and reaps workers itself in the normal paths;
// the manager exists so an exiting main can sweep up whatever is left
// regardless of where the loop stopped.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track records a started worker. Workers that failed to start have no
// pid and are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack forgets a worker once its Wait has returned.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll sweeps every still-tracked worker's process group. Kill failures
// are collected rather than aborting the sweep, so one stubborn group
// never shields the rest.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked workers.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
