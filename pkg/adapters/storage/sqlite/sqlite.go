// Package sqlite implements a durable status store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// StatusStore implements ports.StatusStore on three tables: executions,
// step_executions and step_attempts. Every write runs in a transaction over
// a single connection, which serializes transitions.
type StatusStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (or creates) the database at path and applies migrations
func Open(path string, logger *zap.Logger) (*StatusStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("status database opened", zap.String("path", path))

	return &StatusStore{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database
func (s *StatusStore) Close() error {
	return s.db.Close()
}

// CreateExecution inserts the execution and its step rows
func (s *StatusStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO executions
			(id, job_id, job_name, mode, status, message, requested_by, parent_execution_id, created_at, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exec.ID, exec.JobID, exec.JobName, string(exec.Mode), string(exec.Status), exec.Message,
			exec.RequestedBy, exec.ParentExecutionID, exec.CreatedAt.UnixNano(),
			nullTime(exec.StartedAt), nullTime(exec.EndedAt))
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		for _, se := range exec.Steps {
			_, err := tx.ExecContext(ctx, `INSERT INTO step_executions
				(execution_id, step_id, step_name, step_type, phase, status)
				VALUES (?, ?, ?, ?, ?, ?)`,
				exec.ID, se.StepID, se.StepName, string(se.StepType), se.Phase, string(se.Status))
			if err != nil {
				return fmt.Errorf("failed to insert step execution %s: %w", se.StepID, err)
			}
			if err := saveAttempts(ctx, tx, exec.ID, se); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetExecution loads an execution with its steps and attempts
func (s *StatusStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	return loadExecution(ctx, s.db, executionID)
}

// SetExecutionStatus moves the execution itself
func (s *StatusStore) SetExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, message string) error {
	return s.update(ctx, executionID, "", func(exec *domain.Execution) error {
		exec.SetStatus(status, message, s.now())
		return nil
	})
}

// RecordStart appends a Running attempt
func (s *StatusStore) RecordStart(ctx context.Context, key domain.AttemptKey) error {
	return s.update(ctx, key.ExecutionID, key.StepID, func(exec *domain.Execution) error {
		return exec.StartAttempt(key.StepID, key.Attempt, s.now())
	})
}

// RecordStatus updates a running attempt
func (s *StatusStore) RecordStatus(ctx context.Context, key domain.AttemptKey, status domain.ExecutionStatus, message string) error {
	return s.update(ctx, key.ExecutionID, key.StepID, func(exec *domain.Execution) error {
		return exec.UpdateAttempt(key.StepID, key.Attempt, status, message)
	})
}

// RecordEnd finishes an attempt
func (s *StatusStore) RecordEnd(ctx context.Context, key domain.AttemptKey, outcome domain.AttemptOutcome) error {
	return s.update(ctx, key.ExecutionID, key.StepID, func(exec *domain.Execution) error {
		return exec.EndAttempt(key.StepID, key.Attempt, outcome, s.now())
	})
}

// GetTerminalStatus returns the step status when it is terminal
func (s *StatusStore) GetTerminalStatus(ctx context.Context, executionID, stepID string) (domain.ExecutionStatus, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM step_executions WHERE execution_id = ? AND step_id = ?",
		executionID, stepID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetExecution(ctx, executionID); getErr != nil {
				return "", false, getErr
			}
			return "", false, fmt.Errorf("%w: %s in execution %s", domain.ErrStepNotFound, stepID, executionID)
		}
		return "", false, fmt.Errorf("failed to get step status: %w", err)
	}
	st := domain.ExecutionStatus(status)
	return st, st.IsTerminal(), nil
}

// StepStatuses reads every step status of the execution in one query
func (s *StatusStore) StepStatuses(ctx context.Context, executionID string) (map[string]domain.ExecutionStatus, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return exec.StepStatuses(), nil
}

// FindActiveStep looks for another unfinished execution of the job in which the step is active
func (s *StatusStore) FindActiveStep(ctx context.Context, jobID, stepID, excludeExecutionID string, since time.Time) (string, bool, error) {
	return findActive(ctx, s.db, jobID, stepID, excludeExecutionID, since)
}

// ClaimStep re-checks for a concurrent run and records the first attempt in one transaction
func (s *StatusStore) ClaimStep(ctx context.Context, jobID string, key domain.AttemptKey, since time.Time) (string, bool, error) {
	var holder string
	claimed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, found, err := findActive(ctx, tx, jobID, key.StepID, key.ExecutionID, since)
		if err != nil {
			return err
		}
		if found {
			holder = id
			return nil
		}
		exec, err := loadExecution(ctx, tx, key.ExecutionID)
		if err != nil {
			return err
		}
		if err := exec.StartAttempt(key.StepID, key.Attempt, s.now()); err != nil {
			return err
		}
		claimed = true
		return saveStep(ctx, tx, exec, key.StepID)
	})
	if err != nil {
		return "", false, err
	}
	return holder, claimed, nil
}

// ReleaseStep is a no-op: claims are derived from step statuses
func (s *StatusStore) ReleaseStep(ctx context.Context, jobID, executionID, stepID string) error {
	return nil
}

// ListExecutions returns every stored execution, newest first
func (s *StatusStore) ListExecutions(ctx context.Context) ([]*domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM executions ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	execs := make([]*domain.Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

func (s *StatusStore) update(ctx context.Context, executionID, stepID string, fn func(*domain.Execution) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		exec, err := loadExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if err := fn(exec); err != nil {
			return err
		}
		if err := saveExecution(ctx, tx, exec); err != nil {
			return err
		}
		if stepID == "" {
			return nil
		}
		return saveStep(ctx, tx, exec, stepID)
	})
}

func (s *StatusStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func findActive(ctx context.Context, q queryer, jobID, stepID, excludeExecutionID string, since time.Time) (string, bool, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT se.execution_id
		FROM step_executions se
		JOIN executions e ON e.id = se.execution_id
		WHERE e.job_id = ?
		  AND se.step_id = ?
		  AND se.execution_id <> ?
		  AND se.status IN (?, ?)
		  AND e.ended_at IS NULL
		  AND e.created_at >= ?
		ORDER BY e.created_at
		LIMIT 1`,
		jobID, stepID, excludeExecutionID,
		string(domain.ExecutionStatusRunning), string(domain.ExecutionStatusAwaitRetry),
		since.UnixNano()).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to find active step: %w", err)
	}
	return id, true, nil
}

func loadExecution(ctx context.Context, q queryer, executionID string) (*domain.Execution, error) {
	var (
		exec           domain.Execution
		mode, status   string
		created        int64
		started, ended sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `SELECT id, job_id, job_name, mode, status, message, requested_by,
		parent_execution_id, created_at, started_at, ended_at
		FROM executions WHERE id = ?`, executionID).Scan(
		&exec.ID, &exec.JobID, &exec.JobName, &mode, &status, &exec.Message, &exec.RequestedBy,
		&exec.ParentExecutionID, &created, &started, &ended)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	exec.Mode = domain.SchedulingMode(mode)
	exec.Status = domain.ExecutionStatus(status)
	exec.CreatedAt = time.Unix(0, created)
	exec.StartedAt = fromNull(started)
	exec.EndedAt = fromNull(ended)
	exec.Steps = make(map[string]*domain.StepExecution)

	rows, err := q.QueryContext(ctx, `SELECT step_id, step_name, step_type, phase, status
		FROM step_executions WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get step executions: %w", err)
	}
	for rows.Next() {
		se := &domain.StepExecution{ExecutionID: executionID}
		var stepType, stepStatus string
		if err := rows.Scan(&se.StepID, &se.StepName, &stepType, &se.Phase, &stepStatus); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}
		se.StepType = domain.StepType(stepType)
		se.Status = domain.ExecutionStatus(stepStatus)
		exec.Steps[se.StepID] = se
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read step executions: %w", err)
	}

	rows, err = q.QueryContext(ctx, `SELECT step_id, attempt, status, reason, started_at, ended_at,
		error_message, info_message, stopped_by
		FROM step_attempts WHERE execution_id = ? ORDER BY step_id, attempt`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a              domain.Attempt
			stepID         string
			status, reason string
			startedAt      int64
			endedAt        sql.NullInt64
		)
		if err := rows.Scan(&stepID, &a.Index, &status, &reason, &startedAt, &endedAt,
			&a.ErrorMessage, &a.InfoMessage, &a.StoppedBy); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Status = domain.ExecutionStatus(status)
		a.Reason = domain.FailureReason(reason)
		a.StartedAt = time.Unix(0, startedAt)
		a.EndedAt = fromNull(endedAt)
		if se, ok := exec.Steps[stepID]; ok {
			se.Attempts = append(se.Attempts, &a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read attempts: %w", err)
	}

	return &exec, nil
}

func saveExecution(ctx context.Context, q queryer, exec *domain.Execution) error {
	_, err := q.ExecContext(ctx, `UPDATE executions
		SET status = ?, message = ?, started_at = ?, ended_at = ?
		WHERE id = ?`,
		string(exec.Status), exec.Message, nullTime(exec.StartedAt), nullTime(exec.EndedAt), exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return nil
}

func saveStep(ctx context.Context, q queryer, exec *domain.Execution, stepID string) error {
	se, err := exec.StepExecution(stepID)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		"UPDATE step_executions SET status = ? WHERE execution_id = ? AND step_id = ?",
		string(se.Status), exec.ID, stepID); err != nil {
		return fmt.Errorf("failed to update step execution: %w", err)
	}
	return saveAttempts(ctx, q, exec.ID, se)
}

func saveAttempts(ctx context.Context, q queryer, executionID string, se *domain.StepExecution) error {
	for _, a := range se.Attempts {
		_, err := q.ExecContext(ctx, `INSERT INTO step_attempts
			(execution_id, step_id, attempt, status, reason, started_at, ended_at, error_message, info_message, stopped_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (execution_id, step_id, attempt) DO UPDATE SET
				status = excluded.status,
				reason = excluded.reason,
				ended_at = excluded.ended_at,
				error_message = excluded.error_message,
				info_message = excluded.info_message,
				stopped_by = excluded.stopped_by`,
			executionID, se.StepID, a.Index, string(a.Status), string(a.Reason),
			a.StartedAt.UnixNano(), nullTime(a.EndedAt), a.ErrorMessage, a.InfoMessage, a.StoppedBy)
		if err != nil {
			return fmt.Errorf("failed to save attempt %d of step %s: %w", a.Index, se.StepID, err)
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
