package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"genflow/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	status_rank INTEGER NOT NULL DEFAULT 0,
	stage TEXT NOT NULL DEFAULT '',
	n INTEGER NOT NULL DEFAULT 0,
	weights TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	chain_id TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status_rank, updated_at);

CREATE TABLE IF NOT EXISTS variants (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	label TEXT NOT NULL,
	metadata TEXT NOT NULL,
	scores TEXT NOT NULL,
	rank INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_variants_job ON variants(job_id, rank);

CREATE TABLE IF NOT EXISTS feedback (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	variant_id TEXT NOT NULL,
	rating INTEGER NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(variant_id) REFERENCES variants(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_feedback_variant ON feedback(variant_id, id);

CREATE TABLE IF NOT EXISTS broker_tasks (
	id TEXT PRIMARY KEY,
	chain_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	position INTEGER NOT NULL,
	chain_len INTEGER NOT NULL,
	state TEXT NOT NULL,
	payload TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	lease_until INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(chain_id, position)
);
CREATE INDEX IF NOT EXISTS idx_broker_tasks_dispatch ON broker_tasks(state, lease_until);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_job ON decision_log(job_id, created_at);

CREATE TABLE IF NOT EXISTS artifact_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	path TEXT NOT NULL,
	allowed INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifact_log_job ON artifact_log(job_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job domain.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	weights, err := json.Marshal(job.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	result, err := marshalPayload(job.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs(
			id, mode, status, status_rank, stage, n, weights, context, chain_id, result, last_error, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Mode), string(job.Status), job.Status.Rank(), job.Stage, job.N, string(weights),
		string(job.Context), job.ChainID, result, job.Error, job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const jobColumns = `id, mode, status, stage, n, weights, context, chain_id, result, last_error, created_at, updated_at`

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.NotFoundf("job %s", jobID)
		}
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) ListUnfinishedJobs(ctx context.Context, mode domain.JobMode) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE status_rank < ? AND mode = ?
		ORDER BY updated_at ASC`,
		domain.JobStatusCompleted.Rank(), string(mode),
	)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// TransitionJob moves a job forward along its lifecycle. It returns false
// when the job is unknown or already at or beyond the target status.
func (s *Store) TransitionJob(ctx context.Context, jobID string, to domain.JobStatus, stage string, lastError string, result domain.Payload) (bool, error) {
	encoded, err := marshalPayload(result)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		SET status = ?, status_rank = ?,
			stage = CASE WHEN ? = '' THEN stage ELSE ? END,
			last_error = ?,
			result = CASE WHEN ? = '' THEN result ELSE ? END,
			updated_at = ?
		WHERE id = ? AND status_rank < ?`,
		string(to), to.Rank(), stage, stage, lastError, encoded, encoded,
		time.Now().UTC().UnixMilli(), jobID, to.Rank(),
	)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job affected rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateJobStage records progress on a job that is not terminal yet.
func (s *Store) UpdateJobStage(ctx context.Context, jobID string, stage string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET stage = ?, updated_at = ? WHERE id = ? AND status_rank < ? AND stage <> ?`,
		stage, time.Now().UTC().UnixMilli(), jobID, domain.JobStatusCompleted.Rank(), stage,
	)
	if err != nil {
		return fmt.Errorf("update job stage: %w", err)
	}
	return nil
}

func (s *Store) SetJobChain(ctx context.Context, jobID string, chainID string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET chain_id = ?, updated_at = ? WHERE id = ?`,
		chainID, time.Now().UTC().UnixMilli(), jobID,
	)
	if err != nil {
		return fmt.Errorf("set job chain: %w", err)
	}
	return nil
}

func (s *Store) SaveCandidate(ctx context.Context, v domain.Variant) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(v.Metadata)
	if err != nil {
		return fmt.Errorf("marshal variant metadata: %w", err)
	}
	scores, err := json.Marshal(v.Scores)
	if err != nil {
		return fmt.Errorf("marshal variant scores: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO variants(id, job_id, label, metadata, scores, rank, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.JobID, v.Label, string(meta), string(scores), v.Rank, v.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save candidate: %w", err)
	}
	return nil
}

// SetVariantRanks writes the final ranks of one batch in a single transaction.
func (s *Store) SetVariantRanks(ctx context.Context, variants []domain.Variant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx set ranks: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, v := range variants {
		if _, err := tx.ExecContext(ctx, `UPDATE variants SET rank = ? WHERE id = ?`, v.Rank, v.ID); err != nil {
			return fmt.Errorf("set variant rank: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set ranks: %w", err)
	}
	return nil
}

// DeleteJobVariants drops every variant of a job together with its feedback
// and reports how many variants were removed.
func (s *Store) DeleteJobVariants(ctx context.Context, jobID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx delete variants: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM feedback WHERE variant_id IN (SELECT id FROM variants WHERE job_id = ?)`,
		jobID,
	); err != nil {
		return 0, fmt.Errorf("delete variant feedback: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM variants WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete variants: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete variants affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete variants: %w", err)
	}
	return int(removed), nil
}

const variantColumns = `id, job_id, label, metadata, scores, rank, created_at`

func (s *Store) GetVariant(ctx context.Context, variantID string) (domain.Variant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+variantColumns+` FROM variants WHERE id = ?`, variantID)
	v, err := scanVariant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Variant{}, domain.NotFoundf("variant %s", variantID)
		}
		return domain.Variant{}, fmt.Errorf("get variant: %w", err)
	}
	return v, nil
}

func (s *Store) ListJobVariants(ctx context.Context, jobID string) ([]domain.Variant, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+variantColumns+` FROM variants WHERE job_id = ? ORDER BY rank ASC, created_at ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list job variants: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Variant, 0)
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variants: %w", err)
	}
	return result, nil
}

// AddFeedback appends feedback to an existing variant.
func (s *Store) AddFeedback(ctx context.Context, fb domain.Feedback) (domain.Feedback, error) {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Feedback{}, fmt.Errorf("begin tx add feedback: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM variants WHERE id = ?`, fb.VariantID).Scan(&exists); err != nil {
		return domain.Feedback{}, fmt.Errorf("check variant: %w", err)
	}
	if exists == 0 {
		return domain.Feedback{}, domain.NotFoundf("variant %s", fb.VariantID)
	}

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO feedback(variant_id, rating, comment, created_at) VALUES(?, ?, ?, ?)`,
		fb.VariantID, fb.Rating, fb.Comment, fb.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Feedback{}, fmt.Errorf("insert feedback: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Feedback{}, fmt.Errorf("feedback id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Feedback{}, fmt.Errorf("commit add feedback: %w", err)
	}
	fb.ID = id
	return fb, nil
}

func (s *Store) ListFeedback(ctx context.Context, variantID string) ([]domain.Feedback, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, variant_id, rating, comment, created_at FROM feedback WHERE variant_id = ? ORDER BY id ASC`,
		variantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Feedback, 0)
	for rows.Next() {
		var fb domain.Feedback
		var created int64
		if err := rows.Scan(&fb.ID, &fb.VariantID, &fb.Rating, &fb.Comment, &created); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		fb.CreatedAt = unixMilliToTime(created)
		result = append(result, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(job_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.Actor, entry.Action, entry.Reason, payload, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListJobDecisions(ctx context.Context, jobID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, job_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE job_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list job decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.JobID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func (s *Store) LogArtifact(ctx context.Context, entry domain.ArtifactLog) error {
	allowed := 0
	if entry.Allowed {
		allowed = 1
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO artifact_log(job_id, stage, path, allowed, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.Stage, entry.Path, allowed, entry.Reason, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log artifact: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var mode, status, weights, jobContext, result string
	var created, updated int64
	if err := row.Scan(
		&j.ID, &mode, &status, &j.Stage, &j.N, &weights, &jobContext, &j.ChainID, &result, &j.Error, &created, &updated,
	); err != nil {
		return domain.Job{}, err
	}
	j.Mode = domain.JobMode(mode)
	j.Status = domain.JobStatus(status)
	if err := json.Unmarshal([]byte(weights), &j.Weights); err != nil {
		return domain.Job{}, fmt.Errorf("decode weights: %w", err)
	}
	if jobContext != "" {
		j.Context = json.RawMessage(jobContext)
	}
	if result != "" {
		if err := json.Unmarshal([]byte(result), &j.Result); err != nil {
			return domain.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	j.CreatedAt = unixMilliToTime(created)
	j.UpdatedAt = unixMilliToTime(updated)
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	result := make([]domain.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return result, nil
}

func scanVariant(row rowScanner) (domain.Variant, error) {
	var v domain.Variant
	var meta, scores string
	var created int64
	if err := row.Scan(&v.ID, &v.JobID, &v.Label, &meta, &scores, &v.Rank, &created); err != nil {
		return domain.Variant{}, err
	}
	if err := json.Unmarshal([]byte(meta), &v.Metadata); err != nil {
		return domain.Variant{}, fmt.Errorf("decode variant metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(scores), &v.Scores); err != nil {
		return domain.Variant{}, fmt.Errorf("decode variant scores: %w", err)
	}
	v.CreatedAt = unixMilliToTime(created)
	return v, nil
}

func marshalPayload(p domain.Payload) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unixMilliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
