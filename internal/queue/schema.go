package queue

import (
	"context"
)

// initSchema creates the tasks table if it doesn't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash TEXT,
		target_path TEXT NOT NULL,
		timeout INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 1,
		custom TEXT,
		machine TEXT,
		package TEXT,
		options TEXT,
		platform TEXT,
		added_on DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_on DATETIME,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'processing', 'completed',
			                  'reported', 'failure', 'failed_processing'))
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status_priority
		ON tasks(status, priority DESC, added_on);

	CREATE INDEX IF NOT EXISTS idx_tasks_content_hash
		ON tasks(content_hash);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
