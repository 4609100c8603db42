package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/cradlesec/cradle/internal/task"
)

const taskColumns = `id, content_hash, target_path, timeout, priority,
	custom, machine, package, options, platform, added_on, completed_on, status`

// Add queues a new pending task for the given spec and returns its id.
// The target must exist on the filesystem; a missing target or a failed
// commit means nothing was queued.
func (s *Store) Add(ctx context.Context, spec task.Spec) (int64, error) {
	if spec.TargetPath == "" {
		return 0, fmt.Errorf("no target path given")
	}
	if _, err := os.Stat(spec.TargetPath); err != nil {
		return 0, fmt.Errorf("target does not exist: %s", spec.TargetPath)
	}

	priority := spec.Priority
	if priority <= 0 {
		priority = 1
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (content_hash, target_path, timeout, priority,
			custom, machine, package, options, platform, added_on, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, spec.ContentHash, spec.TargetPath, spec.Timeout, priority,
		spec.Custom, spec.Machine, spec.Package, spec.Options, spec.Platform,
		time.Now().UTC(), task.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read task id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// Fetch returns the best pending task: highest priority first, oldest
// first within a priority. Returns (nil, nil) when the queue is empty.
// Fetch does not claim the task; the claim is a separate Process call,
// so two concurrent dispatchers can observe the same task.
func (s *Store) Fetch(ctx context.Context) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ?
		ORDER BY priority DESC, added_on ASC, id ASC
		LIMIT 1
	`, task.StatusPending)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending task: %w", err)
	}
	return t, nil
}

// Process claims a task by marking it processing.
func (s *Store) Process(ctx context.Context, id int64) error {
	return s.SetStatus(ctx, id, task.StatusProcessing)
}

// Complete marks a finished execution: completed when ok, failure
// otherwise. The completion timestamp is written here and never again.
func (s *Store) Complete(ctx context.Context, id int64, ok bool) error {
	status := task.StatusCompleted
	if !ok {
		status = task.StatusFailure
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, completed_on = ?
		WHERE id = ? AND completed_on IS NULL
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetStatus moves a task to the given status along the lifecycle graph;
// a move the graph forbids fails with ErrBadTransition and leaves the row
// untouched. Recommitting the status a row already has succeeds as a
// no-op, which is what a second claim loser or a regenerated report does.
func (s *Store) SetStatus(ctx context.Context, id int64, status task.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current task.Status
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = ?
	`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query task status: %w", err)
	}

	if current == status {
		return tx.Commit()
	}
	if !current.CanTransition(status) {
		return fmt.Errorf("task %d: %s to %s: %w", id, current, status, ErrBadTransition)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ? WHERE id = ?
	`, status, id); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View retrieves a single task by id.
func (s *Store) View(ctx context.Context, id int64) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?
	`, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// Search returns all tasks whose content hash matches hash.
func (s *Store) Search(ctx context.Context, hash string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE content_hash = ?
		ORDER BY status, added_on, id DESC
	`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// List returns up to limit tasks across all statuses, for diagnostics.
// limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY status, added_on, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListStatus returns up to limit tasks in the given status, ordered by
// completion time ascending so the oldest-completed work is served first.
func (s *Store) ListStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ?
		ORDER BY completed_on ASC, id ASC
		LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s tasks: %w", status, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*task.Task, error) {
	t := &task.Task{}
	var completedOn sql.NullTime

	err := sc.Scan(&t.ID, &t.ContentHash, &t.TargetPath, &t.Timeout,
		&t.Priority, &t.Custom, &t.Machine, &t.Package, &t.Options,
		&t.Platform, &t.AddedOn, &completedOn, &t.Status)
	if err != nil {
		return nil, err
	}

	if completedOn.Valid {
		ts := completedOn.Time
		t.CompletedOn = &ts
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}
