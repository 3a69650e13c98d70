package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"

	qerr "github.com/ppuertot/queue-processor-system/internal/errors"
	"github.com/ppuertot/queue-processor-system/internal/job"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  payload TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'waiting',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  progress INTEGER NOT NULL DEFAULT 0,
  result TEXT,
  last_error TEXT,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL,
  started_at TIMESTAMP,
  completed_at TIMESTAMP,
  failed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_priority ON jobs(priority);
CREATE INDEX IF NOT EXISTS idx_jobs_status_type ON jobs(status, type);
CREATE TABLE IF NOT EXISTS job_results (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL REFERENCES jobs(id),
  success INTEGER NOT NULL DEFAULT 0,
  data TEXT,
  error TEXT,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  attempt_no INTEGER NOT NULL,
  recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);
CREATE TABLE IF NOT EXISTS system_metrics (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  value REAL NOT NULL,
  metadata TEXT,
  recorded_at TIMESTAMP NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  payload JSONB NOT NULL,
  status TEXT NOT NULL DEFAULT 'waiting',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  progress INTEGER NOT NULL DEFAULT 0,
  result JSONB,
  last_error TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  started_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ,
  failed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_priority ON jobs(priority);
CREATE INDEX IF NOT EXISTS idx_jobs_status_type ON jobs(status, type);
CREATE TABLE IF NOT EXISTS job_results (
  seq BIGSERIAL PRIMARY KEY,
  job_id TEXT NOT NULL REFERENCES jobs(id),
  success BOOLEAN NOT NULL DEFAULT FALSE,
  data JSONB,
  error TEXT,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  attempt_no INTEGER NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);
CREATE TABLE IF NOT EXISTS system_metrics (
  seq BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  value DOUBLE PRECISION NOT NULL,
  metadata JSONB,
  recorded_at TIMESTAMPTZ NOT NULL
);
`

// SQLStore implements Store over database/sql for both dialects. Queries are
// written with ? placeholders and rebound for postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (and migrates) a sqlite-backed store. Pass ":memory:" with
// shared cache for tests.
func OpenSQLite(path string) (*SQLStore, error) {
	// _time_format=sqlite stores timestamps as "YYYY-MM-DD HH:MM:SS.fff+HH:MM",
	// which julianday() in Metrics can parse.
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_time_format=sqlite&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &qerr.StoreOperationError{Operation: "Open", Err: err}
	}
	// Single writer keeps sqlite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, dialect: DialectSQLite}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens (and migrates) a postgres-backed store.
func OpenPostgres(dsn string, poolSize int) (*SQLStore, error) {
	db := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &qerr.StoreOperationError{Operation: "Open", Err: err}
	}

	s := &SQLStore{db: db, dialect: DialectPostgres}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.Exec(schema); err != nil {
		return &qerr.StoreOperationError{Operation: "Migrate", Err: err}
	}
	return nil
}

// rebind converts ? placeholders to $1..$n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

const jobColumns = `id, type, priority, payload, status, attempts, max_retries, progress, result, last_error, created_at, updated_at, started_at, completed_at, failed_at`

func (s *SQLStore) Create(ctx context.Context, j *job.Job) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = job.StatusWaiting
	}

	query := s.rebind(`INSERT INTO jobs (` + jobColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.Type, int(j.Priority), string(j.Payload), string(j.Status),
		j.Attempts, j.MaxRetries, j.Progress, nullJSON(j.Result), nullString(j.LastError),
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt, j.FailedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return &qerr.ConflictError{Entity: "job", ID: j.ID}
		}
		return &qerr.StoreOperationError{Operation: "Create", Err: err}
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*job.Job, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, query, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &qerr.NotFoundError{Entity: "job", ID: id}
	}
	if err != nil {
		return nil, &qerr.StoreOperationError{Operation: "Get", Err: err}
	}
	return j, nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, &qerr.StoreOperationError{Operation: "ListByStatus", Err: err}
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, &qerr.StoreOperationError{Operation: "ListByStatus", Err: err}
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) ListByStatusAfter(ctx context.Context, status job.Status, afterCreated time.Time, afterID string, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs
WHERE status = ? AND (created_at > ? OR (created_at = ? AND id > ?))
ORDER BY created_at ASC, id ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, string(status), afterCreated, afterCreated, afterID, limit)
	if err != nil {
		return nil, &qerr.StoreOperationError{Operation: "ListByStatusAfter", Err: err}
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, &qerr.StoreOperationError{Operation: "ListByStatusAfter", Err: err}
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status job.Status, patch StatusPatch) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &qerr.StoreOperationError{Operation: "UpdateStatus", Err: err}
	}
	defer tx.Rollback()

	j, err := s.updateStatusTx(ctx, tx, id, status, patch)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &qerr.StoreOperationError{Operation: "UpdateStatus", Err: err}
	}
	return j, nil
}

func (s *SQLStore) updateStatusTx(ctx context.Context, tx *sql.Tx, id string, status job.Status, patch StatusPatch) (*job.Job, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &qerr.NotFoundError{Entity: "job", ID: id}
	}
	if err != nil {
		return nil, &qerr.StoreOperationError{Operation: "UpdateStatus", Err: err}
	}

	if j.Status != status && !job.CanTransition(j.Status, status) {
		return nil, &qerr.InvalidTransitionError{JobID: id, From: string(j.Status), To: string(status)}
	}

	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	if patch.StartedAt != nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		j.CompletedAt = patch.CompletedAt
	}
	if patch.FailedAt != nil {
		j.FailedAt = patch.FailedAt
	}
	if patch.Attempts != nil {
		j.Attempts = *patch.Attempts
	}
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	if patch.LastError != nil {
		j.LastError = *patch.LastError
	}

	query := s.rebind(`UPDATE jobs SET status=?, updated_at=?, started_at=?, completed_at=?, failed_at=?, attempts=?, progress=?, result=?, last_error=? WHERE id=?`)
	if _, err := tx.ExecContext(ctx, query,
		string(j.Status), j.UpdatedAt, j.StartedAt, j.CompletedAt, j.FailedAt,
		j.Attempts, j.Progress, nullJSON(j.Result), nullString(j.LastError), id); err != nil {
		return nil, &qerr.StoreOperationError{Operation: "UpdateStatus", Err: err}
	}
	return j, nil
}

func (s *SQLStore) AppendResult(ctx context.Context, res *job.Result) error {
	if res.RecordedAt.IsZero() {
		res.RecordedAt = time.Now().UTC()
	}
	query := s.rebind(`INSERT INTO job_results (job_id, success, data, error, duration_ms, attempt_no, recorded_at) VALUES (?,?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, query,
		res.JobID, res.Success, nullJSON(res.Data), nullString(res.Error),
		res.DurationMS, res.AttemptNo, res.RecordedAt)
	if err != nil {
		return &qerr.StoreOperationError{Operation: "AppendResult", Err: err}
	}
	return nil
}

func (s *SQLStore) ListResults(ctx context.Context, jobID string) ([]*job.Result, error) {
	query := s.rebind(`SELECT job_id, success, data, error, duration_ms, attempt_no, recorded_at FROM job_results WHERE job_id = ? ORDER BY seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, &qerr.StoreOperationError{Operation: "ListResults", Err: err}
	}
	defer rows.Close()

	var results []*job.Result
	for rows.Next() {
		var res job.Result
		var data, errMsg sql.NullString
		if err := rows.Scan(&res.JobID, &res.Success, &data, &errMsg, &res.DurationMS, &res.AttemptNo, &res.RecordedAt); err != nil {
			return nil, &qerr.StoreOperationError{Operation: "ListResults", Err: err}
		}
		if data.Valid {
			res.Data = json.RawMessage(data.String)
		}
		if errMsg.Valid {
			res.Error = errMsg.String
		}
		results = append(results, &res)
	}
	return results, rows.Err()
}

func (s *SQLStore) CompleteAttempt(ctx context.Context, id string, status job.Status, patch StatusPatch, res *job.Result) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &qerr.StoreOperationError{Operation: "CompleteAttempt", Err: err}
	}
	defer tx.Rollback()

	j, err := s.updateStatusTx(ctx, tx, id, status, patch)
	if err != nil {
		return nil, err
	}

	if res != nil {
		if res.RecordedAt.IsZero() {
			res.RecordedAt = time.Now().UTC()
		}
		query := s.rebind(`INSERT INTO job_results (job_id, success, data, error, duration_ms, attempt_no, recorded_at) VALUES (?,?,?,?,?,?,?)`)
		if _, err := tx.ExecContext(ctx, query,
			res.JobID, res.Success, nullJSON(res.Data), nullString(res.Error),
			res.DurationMS, res.AttemptNo, res.RecordedAt); err != nil {
			return nil, &qerr.StoreOperationError{Operation: "CompleteAttempt", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &qerr.StoreOperationError{Operation: "CompleteAttempt", Err: err}
	}
	return j, nil
}

func (s *SQLStore) Metrics(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{}

	row := s.db.QueryRowContext(ctx, `
SELECT
  COUNT(*),
  COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status IN ('failed', 'dead') THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status IN ('waiting', 'active', 'delayed') THEN 1 ELSE 0 END), 0)
FROM jobs`)
	if err := row.Scan(&snap.Total, &snap.Completed, &snap.Failed, &snap.Pending); err != nil {
		return nil, &qerr.StoreOperationError{Operation: "Metrics", Err: err}
	}

	avgQuery := `
SELECT COALESCE(AVG((julianday(completed_at) - julianday(started_at)) * 86400.0), 0)
FROM jobs WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL`
	if s.dialect == DialectPostgres {
		avgQuery = `
SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
FROM jobs WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL`
	}
	if err := s.db.QueryRowContext(ctx, avgQuery).Scan(&snap.AvgProcessingSeconds); err != nil {
		return nil, &qerr.StoreOperationError{Operation: "Metrics", Err: err}
	}

	if snap.Completed+snap.Failed > 0 {
		snap.SuccessRatePct = 100 * float64(snap.Completed) / float64(snap.Completed+snap.Failed)
	}
	return snap, nil
}

func (s *SQLStore) RecordMetric(ctx context.Context, name string, value float64, metadata json.RawMessage) error {
	query := s.rebind(`INSERT INTO system_metrics (name, value, metadata, recorded_at) VALUES (?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, query, name, value, nullJSON(metadata), time.Now().UTC())
	if err != nil {
		return &qerr.StoreOperationError{Operation: "RecordMetric", Err: err}
	}
	return nil
}

func (s *SQLStore) Trim(ctx context.Context, jobType string, status job.Status, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	query := s.rebind(`
DELETE FROM jobs WHERE id IN (
  SELECT id FROM jobs
  WHERE type = ? AND status = ?
  ORDER BY updated_at DESC
  LIMIT -1 OFFSET ?
)`)
	if s.dialect == DialectPostgres {
		query = s.rebind(`
DELETE FROM jobs WHERE id IN (
  SELECT id FROM jobs
  WHERE type = ? AND status = ?
  ORDER BY updated_at DESC
  OFFSET ?
)`)
	}
	res, err := s.db.ExecContext(ctx, query, jobType, string(status), keep)
	if err != nil {
		return 0, &qerr.StoreOperationError{Operation: "Trim", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var payload string
	var result, lastError sql.NullString
	var startedAt, completedAt, failedAt sql.NullTime
	var priority int
	var status string

	err := row.Scan(&j.ID, &j.Type, &priority, &payload, &status,
		&j.Attempts, &j.MaxRetries, &j.Progress, &result, &lastError,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt, &failedAt)
	if err != nil {
		return nil, err
	}

	j.Priority = job.Priority(priority)
	j.Status = job.Status(status)
	j.Payload = json.RawMessage(payload)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		j.FailedAt = &failedAt.Time
	}
	return &j, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isDuplicateKey(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
