// Package taskstore persists runner snapshots to SQLite. The runner writes
// a full snapshot on every state mutation and reads it back once at startup,
// so the store is modeled as whole-snapshot replace rather than row-level
// updates.
package taskstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/runner"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed snapshot persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the persisted snapshot in a single transaction
func (s *Store) Save(snap runner.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tasks`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM batches`); err != nil {
		return err
	}

	for _, b := range snap.Batches {
		keys := make([]string, 0, len(b.TaskKeys))
		for _, k := range b.TaskKeys {
			keys = append(keys, k.String())
		}
		keysJSON, err := json.Marshal(keys)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO batches (id, name, status, task_keys, started_at, completed_at, completed_count, failed_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			b.ID,
			b.Name,
			string(b.Status),
			string(keysJSON),
			nullTime(b.StartedAt),
			nullTime(b.CompletedAt),
			b.CompletedCount,
			b.FailedCount,
		)
		if err != nil {
			return err
		}
	}

	for _, t := range snap.Tasks {
		_, err = tx.Exec(`
			INSERT INTO tasks (key, project_id, requirement, batch_id, status, error, external_id, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.Key.String(),
			t.Key.ProjectID,
			t.Key.Requirement,
			t.BatchID,
			string(t.Status),
			t.Error,
			t.ExternalID,
			nullTime(t.StartedAt),
			nullTime(t.CompletedAt),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load reads the persisted snapshot. An empty database yields an empty
// snapshot, not an error.
func (s *Store) Load() (runner.Snapshot, error) {
	var snap runner.Snapshot

	rows, err := s.db.Query(`
		SELECT id, name, status, task_keys, started_at, completed_at, completed_count, failed_count
		FROM batches ORDER BY id
	`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()

	for rows.Next() {
		var b domain.Batch
		var status, keysJSON string
		var startedAt, completedAt sql.NullTime

		if err := rows.Scan(&b.ID, &b.Name, &status, &keysJSON, &startedAt, &completedAt, &b.CompletedCount, &b.FailedCount); err != nil {
			return snap, err
		}
		b.Status = domain.BatchStatus(status)
		b.StartedAt = timePtr(startedAt)
		b.CompletedAt = timePtr(completedAt)

		var keys []string
		if keysJSON != "" && keysJSON != "null" {
			if err := json.Unmarshal([]byte(keysJSON), &keys); err != nil {
				return snap, fmt.Errorf("batch %s task keys: %w", b.ID, err)
			}
		}
		for _, raw := range keys {
			key, err := domain.ParseTaskKey(raw)
			if err != nil {
				return snap, fmt.Errorf("batch %s: %w", b.ID, err)
			}
			b.TaskKeys = append(b.TaskKeys, key)
		}

		snap.Batches = append(snap.Batches, b)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	taskRows, err := s.db.Query(`
		SELECT project_id, requirement, batch_id, status, error, external_id, started_at, completed_at
		FROM tasks
	`)
	if err != nil {
		return snap, err
	}
	defer taskRows.Close()

	for taskRows.Next() {
		var t domain.Task
		var status string
		var startedAt, completedAt sql.NullTime

		if err := taskRows.Scan(&t.Key.ProjectID, &t.Key.Requirement, &t.BatchID, &status, &t.Error, &t.ExternalID, &startedAt, &completedAt); err != nil {
			return snap, err
		}
		t.Status = domain.TaskStatus(status)
		t.StartedAt = timePtr(startedAt)
		t.CompletedAt = timePtr(completedAt)

		snap.Tasks = append(snap.Tasks, t)
	}
	return snap, taskRows.Err()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	out := t.Time
	return &out
}
