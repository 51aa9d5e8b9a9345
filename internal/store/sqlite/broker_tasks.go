package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"genflow/internal/domain"
)

const brokerTaskColumns = `id, chain_id, job_id, stage, position, chain_len, state, payload, result, last_error, attempts, lease_until, created_at, updated_at`

// CreateBrokerTask enqueues a stage task. Enqueueing the same chain position
// twice is a no-op, as is enqueueing into a chain that has been revoked.
func (s *Store) CreateBrokerTask(ctx context.Context, task domain.BrokerTask) (bool, error) {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	if task.State == "" {
		task.State = domain.TaskStatePending
	}
	payload := string(task.Payload)
	if payload == "" {
		payload = "{}"
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO broker_tasks(
			id, chain_id, job_id, stage, position, chain_len, state, payload, result, last_error, attempts, lease_until, created_at, updated_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, 0, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM broker_tasks WHERE chain_id = ? AND state = ?
		)`,
		task.ID, task.ChainID, task.JobID, task.Stage, task.Position, task.ChainLen, string(task.State), payload,
		task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli(),
		task.ChainID, string(domain.TaskStateRevoked),
	)
	if err != nil {
		return false, fmt.Errorf("create broker task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create broker task affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) GetBrokerTask(ctx context.Context, taskID string) (domain.BrokerTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+brokerTaskColumns+` FROM broker_tasks WHERE id = ?`, taskID)
	task, err := scanBrokerTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BrokerTask{}, domain.NotFoundf("broker task %s", taskID)
		}
		return domain.BrokerTask{}, fmt.Errorf("get broker task: %w", err)
	}
	return task, nil
}

func (s *Store) ListChainTasks(ctx context.Context, chainID string) ([]domain.BrokerTask, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+brokerTaskColumns+` FROM broker_tasks WHERE chain_id = ? ORDER BY position ASC`,
		chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chain tasks: %w", err)
	}
	defer rows.Close()
	return collectBrokerTasks(rows)
}

// ListDispatchableTasks returns pending tasks whose lease is free.
func (s *Store) ListDispatchableTasks(ctx context.Context, limit int, now time.Time) ([]domain.BrokerTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+brokerTaskColumns+` FROM broker_tasks
		WHERE state = ? AND lease_until <= ?
		ORDER BY created_at ASC, position ASC
		LIMIT ?`,
		string(domain.TaskStatePending), now.UTC().UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable tasks: %w", err)
	}
	defer rows.Close()
	return collectBrokerTasks(rows)
}

// ClaimForDispatch leases a pending task so it is handed to one consumer only.
func (s *Store) ClaimForDispatch(ctx context.Context, taskID string, now time.Time, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE broker_tasks
		SET lease_until = ?, updated_at = ?
		WHERE id = ? AND state = ? AND lease_until <= ?`,
		leaseUntil.UTC().UnixMilli(), now.UTC().UnixMilli(),
		taskID, string(domain.TaskStatePending), now.UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("claim broker task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim broker task affected rows: %w", err)
	}
	return affected > 0, nil
}

// StartBrokerTask moves a pending task to STARTED and counts the attempt.
// It returns false when another consumer already started it.
func (s *Store) StartBrokerTask(ctx context.Context, taskID string, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE broker_tasks
		SET state = ?, attempts = attempts + 1, lease_until = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(domain.TaskStateStarted), leaseUntil.UTC().UnixMilli(), time.Now().UTC().UnixMilli(),
		taskID, string(domain.TaskStatePending),
	)
	if err != nil {
		return false, fmt.Errorf("start broker task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start broker task affected rows: %w", err)
	}
	return affected > 0, nil
}

// FinishBrokerTask records the outcome of a started task. Tasks revoked or
// requeued in the meantime are left untouched.
func (s *Store) FinishBrokerTask(ctx context.Context, taskID string, state domain.TaskState, result []byte, lastError string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE broker_tasks
		SET state = ?, result = ?, last_error = ?, lease_until = 0, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(state), string(result), lastError, time.Now().UTC().UnixMilli(),
		taskID, string(domain.TaskStateStarted),
	)
	if err != nil {
		return false, fmt.Errorf("finish broker task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish broker task affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) ListExpiredStartedTasks(ctx context.Context, limit int, now time.Time) ([]domain.BrokerTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+brokerTaskColumns+` FROM broker_tasks
		WHERE state = ? AND lease_until > 0 AND lease_until <= ?
		ORDER BY lease_until ASC
		LIMIT ?`,
		string(domain.TaskStateStarted), now.UTC().UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	defer rows.Close()
	return collectBrokerTasks(rows)
}

// RequeueBrokerTask returns a started task to PENDING, or fails it once it
// has used maxAttempts. The returned state is what the task ended up in.
func (s *Store) RequeueBrokerTask(ctx context.Context, taskID string, reason string, retryAt time.Time, maxAttempts int) (domain.TaskState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx requeue: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var state string
	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT state, attempts FROM broker_tasks WHERE id = ?`, taskID).Scan(&state, &attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.NotFoundf("broker task %s", taskID)
		}
		return "", fmt.Errorf("read task for requeue: %w", err)
	}
	if domain.TaskState(state) != domain.TaskStateStarted {
		return domain.TaskState(state), nil
	}

	next := domain.TaskStatePending
	leaseUntil := retryAt.UTC().UnixMilli()
	if maxAttempts > 0 && attempts >= maxAttempts {
		next = domain.TaskStateFailure
		leaseUntil = 0
	}
	_, err = tx.ExecContext(
		ctx,
		`UPDATE broker_tasks
		SET state = ?, lease_until = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(next), leaseUntil, reason, time.Now().UTC().UnixMilli(), taskID,
	)
	if err != nil {
		return "", fmt.Errorf("requeue broker task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit requeue: %w", err)
	}
	return next, nil
}

// RevokeChain revokes every task of the chain that has not finished yet.
func (s *Store) RevokeChain(ctx context.Context, chainID string, reason string) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE broker_tasks
		SET state = ?, last_error = ?, lease_until = 0, updated_at = ?
		WHERE chain_id = ? AND state IN (?, ?)`,
		string(domain.TaskStateRevoked), reason, time.Now().UTC().UnixMilli(),
		chainID, string(domain.TaskStatePending), string(domain.TaskStateStarted),
	)
	if err != nil {
		return 0, fmt.Errorf("revoke chain: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke chain affected rows: %w", err)
	}
	return int(affected), nil
}

func scanBrokerTask(row rowScanner) (domain.BrokerTask, error) {
	var t domain.BrokerTask
	var state, payload, result string
	var leaseUntil, created, updated int64
	if err := row.Scan(
		&t.ID, &t.ChainID, &t.JobID, &t.Stage, &t.Position, &t.ChainLen, &state, &payload, &result,
		&t.Error, &t.Attempts, &leaseUntil, &created, &updated,
	); err != nil {
		return domain.BrokerTask{}, err
	}
	t.State = domain.TaskState(state)
	t.Payload = []byte(payload)
	if result != "" {
		t.Result = []byte(result)
	}
	if leaseUntil > 0 {
		t.LeaseUntil = unixMilliToTime(leaseUntil)
	}
	t.CreatedAt = unixMilliToTime(created)
	t.UpdatedAt = unixMilliToTime(updated)
	return t, nil
}

func collectBrokerTasks(rows *sql.Rows) ([]domain.BrokerTask, error) {
	result := make([]domain.BrokerTask, 0)
	for rows.Next() {
		t, err := scanBrokerTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broker task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broker tasks: %w", err)
	}
	return result, nil
}
