// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package history persists builds and their jobs to SQLite.
//
// Write path: the runner records a build when it accepts a trigger,
// marks each job as it starts, and stores the executor's result record
// when it finishes. Crash recovery marks builds the runner never
// completed as interrupted.
//
// Read path: list and show queries serve GET /api/v1/builds and the
// `gantry builds` commands. The history database is a queryable index;
// the authoritative record of a finished job stays in the result file
// under the build's log directory.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/gantry-ci/gantry/lib/build"
	"github.com/gantry-ci/gantry/lib/sqlitepool"
)

// ErrNotFound is returned when a build or job row does not exist.
var ErrNotFound = errors.New("history: not found")

// schema creates the builds and jobs tables. Applied once per pooled
// connection; every statement is idempotent. Timestamps are Unix
// nanoseconds, zero meaning "not yet".
const schema = `
	CREATE TABLE IF NOT EXISTS builds (
		number       INTEGER PRIMARY KEY,
		pipeline     TEXT NOT NULL,
		repo         TEXT NOT NULL,
		branch       TEXT NOT NULL,
		commit_sha   TEXT NOT NULL,
		event        TEXT NOT NULL,
		pull_request INTEGER NOT NULL DEFAULT 0,
		sender       TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		conclusion   TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		started_at   INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0,
		duration_ms  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_builds_repo ON builds(repo, number);
	CREATE INDEX IF NOT EXISTS idx_builds_branch ON builds(repo, branch, number);
	CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);

	CREATE TABLE IF NOT EXISTS jobs (
		build_number   INTEGER NOT NULL,
		job_index      INTEGER NOT NULL,
		version        TEXT NOT NULL,
		status         TEXT NOT NULL,
		conclusion     TEXT NOT NULL DEFAULT '',
		started_at     INTEGER NOT NULL DEFAULT 0,
		completed_at   INTEGER NOT NULL DEFAULT 0,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		log_id         TEXT NOT NULL DEFAULT '',
		failed_command TEXT NOT NULL DEFAULT '',
		error_message  TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (build_number, job_index)
	);
`

// Config holds the parameters for opening a history store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Required.
	Path string

	// PoolSize is the number of pooled connections. Zero means the
	// pool default.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Store is the SQLite-backed build history.
type Store struct {
	pool *sqlitepool.Pool
}

// Open opens (creating if necessary) the history database and applies
// the schema. The caller must call Close when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history: Path is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// BuildRecord is one builds row, optionally with its jobs attached.
// This is the read model served by the API and the builds CLI.
type BuildRecord struct {
	Number      int64            `json:"number"`
	Pipeline    string           `json:"pipeline"`
	Repo        string           `json:"repo"`
	Branch      string           `json:"branch"`
	Commit      string           `json:"commit"`
	Event       string           `json:"event"`
	PullRequest int              `json:"pull_request,omitempty"`
	Sender      string           `json:"sender,omitempty"`
	Status      build.Status     `json:"status"`
	Conclusion  build.Conclusion `json:"conclusion,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   time.Time        `json:"started_at,omitzero"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
	DurationMS  int64            `json:"duration_ms,omitempty"`

	// Jobs is populated by GetBuild, ordered by job index. ListBuilds
	// leaves it empty.
	Jobs []JobRecord `json:"jobs,omitempty"`
}

// JobRecord is one jobs row.
type JobRecord struct {
	BuildNumber   int64            `json:"build_number"`
	Index         int              `json:"index"`
	Version       string           `json:"version"`
	Status        build.Status     `json:"status"`
	Conclusion    build.Conclusion `json:"conclusion,omitempty"`
	StartedAt     time.Time        `json:"started_at,omitzero"`
	CompletedAt   time.Time        `json:"completed_at,omitzero"`
	DurationMS    int64            `json:"duration_ms,omitempty"`
	LogID         string           `json:"log_id,omitempty"`
	FailedCommand string           `json:"failed_command,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
}

// LastBuildNumber returns the highest recorded build number, or zero
// when the history is empty. The runner seeds its build counter from
// this at startup.
func (s *Store) LastBuildNumber(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("history: last build number: %w", err)
	}
	defer s.pool.Put(conn)

	var last int64
	err = sqlitex.Execute(conn, "SELECT COALESCE(MAX(number), 0) FROM builds", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			last = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("history: last build number: %w", err)
	}
	return last, nil
}

// RecordBuild inserts a freshly expanded build and its pending jobs in
// one transaction. The build number must be unused.
func (s *Store) RecordBuild(ctx context.Context, b *build.Build) (err error) {
	if b.Number < 1 {
		return fmt.Errorf("history: record build: number must be >= 1, got %d", b.Number)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history: record build %d: %w", b.Number, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("history: record build %d: begin transaction: %w", b.Number, err)
	}
	defer endTransaction(&err)

	insertErr := sqlitex.Execute(conn, `INSERT INTO builds
		(number, pipeline, repo, branch, commit_sha, event, pull_request,
		 sender, status, conclusion, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				b.Number,
				b.Pipeline,
				b.Repo,
				b.Branch,
				b.Commit,
				string(b.Event),
				b.PullRequest,
				b.Sender,
				string(build.StatusPending),
				unixNanos(b.CreatedAt),
			},
		})
	if insertErr != nil {
		err = fmt.Errorf("history: insert build %d: %w", b.Number, insertErr)
		return err
	}

	for _, job := range b.Jobs {
		insertErr := sqlitex.Execute(conn, `INSERT INTO jobs
			(build_number, job_index, version, status)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{b.Number, job.Index, job.Version, string(build.StatusPending)},
			})
		if insertErr != nil {
			err = fmt.Errorf("history: insert job %d.%d: %w", b.Number, job.Index, insertErr)
			return err
		}
	}

	return nil
}

// StartJob marks a job as running. The first job to start also moves
// the build to running and stamps its start time.
func (s *Store) StartJob(ctx context.Context, buildNumber int64, jobIndex int, startedAt time.Time) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history: start job %d.%d: %w", buildNumber, jobIndex, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("history: start job %d.%d: begin transaction: %w", buildNumber, jobIndex, err)
	}
	defer endTransaction(&err)

	updateErr := sqlitex.Execute(conn, `UPDATE jobs
		SET status = ?, started_at = ?
		WHERE build_number = ? AND job_index = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(build.StatusRunning), unixNanos(startedAt), buildNumber, jobIndex},
		})
	if updateErr != nil {
		err = fmt.Errorf("history: start job %d.%d: %w", buildNumber, jobIndex, updateErr)
		return err
	}
	if conn.Changes() == 0 {
		err = fmt.Errorf("history: start job %d.%d: %w", buildNumber, jobIndex, ErrNotFound)
		return err
	}

	updateErr = sqlitex.Execute(conn, `UPDATE builds
		SET status = ?,
		    started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END
		WHERE number = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(build.StatusRunning), unixNanos(startedAt), buildNumber},
		})
	if updateErr != nil {
		err = fmt.Errorf("history: start build %d: %w", buildNumber, updateErr)
		return err
	}

	return nil
}

// FinishJob stores a job's terminal result. The record must validate.
func (s *Store) FinishJob(ctx context.Context, result *build.JobResult) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("history: finish job: %w", err)
	}

	startedAt, err := time.Parse(time.RFC3339Nano, result.StartedAt)
	if err != nil {
		return fmt.Errorf("history: finish job %d.%d: parse started_at: %w", result.BuildNumber, result.JobIndex, err)
	}
	completedAt, err := time.Parse(time.RFC3339Nano, result.CompletedAt)
	if err != nil {
		return fmt.Errorf("history: finish job %d.%d: parse completed_at: %w", result.BuildNumber, result.JobIndex, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history: finish job %d.%d: %w", result.BuildNumber, result.JobIndex, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE jobs
		SET status = ?, conclusion = ?, started_at = ?, completed_at = ?,
		    duration_ms = ?, log_id = ?, failed_command = ?, error_message = ?
		WHERE build_number = ? AND job_index = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(statusForConclusion(result.Conclusion)),
				string(result.Conclusion),
				unixNanos(startedAt),
				unixNanos(completedAt),
				result.DurationMS,
				result.LogID,
				result.FailedCommand,
				result.ErrorMessage,
				result.BuildNumber,
				result.JobIndex,
			},
		})
	if err != nil {
		return fmt.Errorf("history: finish job %d.%d: %w", result.BuildNumber, result.JobIndex, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("history: finish job %d.%d: %w", result.BuildNumber, result.JobIndex, ErrNotFound)
	}
	return nil
}

// FinishBuild stores the build's terminal conclusion and completion
// time. Duration is measured from the first job start.
func (s *Store) FinishBuild(ctx context.Context, number int64, conclusion build.Conclusion, completedAt time.Time) error {
	switch conclusion {
	case build.ConclusionSuccess, build.ConclusionFailure, build.ConclusionInterrupted:
	default:
		return fmt.Errorf("history: finish build %d: conclusion %q is not terminal", number, conclusion)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history: finish build %d: %w", number, err)
	}
	defer s.pool.Put(conn)

	completedNanos := unixNanos(completedAt)
	err = sqlitex.Execute(conn, `UPDATE builds
		SET status = ?, conclusion = ?, completed_at = ?,
		    duration_ms = CASE WHEN started_at > 0 THEN (? - started_at) / 1000000 ELSE 0 END
		WHERE number = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(statusForConclusion(conclusion)),
				string(conclusion),
				completedNanos,
				completedNanos,
				number,
			},
		})
	if err != nil {
		return fmt.Errorf("history: finish build %d: %w", number, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("history: finish build %d: %w", number, ErrNotFound)
	}
	return nil
}

// MarkInterrupted transitions a build that never completed to the
// interrupted state: every pending or running job becomes interrupted,
// finished jobs keep their outcome. A build that already reached a
// terminal state is left untouched, so recovery is idempotent.
func (s *Store) MarkInterrupted(ctx context.Context, number int64, at time.Time) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history: mark interrupted %d: %w", number, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("history: mark interrupted %d: begin transaction: %w", number, err)
	}
	defer endTransaction(&err)

	atNanos := unixNanos(at)

	updateErr := sqlitex.Execute(conn, `UPDATE builds
		SET status = ?, conclusion = ?, completed_at = ?,
		    duration_ms = CASE WHEN started_at > 0 THEN (? - started_at) / 1000000 ELSE 0 END
		WHERE number = ? AND status IN (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(build.StatusInterrupted),
				string(build.ConclusionInterrupted),
				atNanos,
				atNanos,
				number,
				string(build.StatusPending),
				string(build.StatusRunning),
			},
		})
	if updateErr != nil {
		err = fmt.Errorf("history: mark interrupted %d: %w", number, updateErr)
		return err
	}
	if conn.Changes() == 0 {
		// Already terminal (or unknown): nothing to interrupt.
		return nil
	}

	updateErr = sqlitex.Execute(conn, `UPDATE jobs
		SET status = ?, conclusion = ?, completed_at = ?
		WHERE build_number = ? AND status IN (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(build.StatusInterrupted),
				string(build.ConclusionInterrupted),
				atNanos,
				number,
				string(build.StatusPending),
				string(build.StatusRunning),
			},
		})
	if updateErr != nil {
		err = fmt.Errorf("history: mark interrupted %d: jobs: %w", number, updateErr)
		return err
	}

	return nil
}

// UnfinishedBuilds returns the numbers of builds still pending or
// running, oldest first. Used by startup recovery to find work a
// previous runner process left behind.
func (s *Store) UnfinishedBuilds(ctx context.Context) ([]int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: unfinished builds: %w", err)
	}
	defer s.pool.Put(conn)

	var numbers []int64
	err = sqlitex.Execute(conn, `SELECT number FROM builds
		WHERE status IN (?, ?) ORDER BY number`,
		&sqlitex.ExecOptions{
			Args: []any{string(build.StatusPending), string(build.StatusRunning)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				numbers = append(numbers, stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("history: unfinished builds: %w", err)
	}
	return numbers, nil
}

// Filter selects builds for ListBuilds. Zero-valued fields are not
// applied.
type Filter struct {
	Repo   string       // Exact match on owner/name.
	Branch string       // Exact match on branch.
	Status build.Status // Exact match on lifecycle state.
	Limit  int          // Maximum rows to return (default 20).
}

// ListBuilds returns builds matching the filter, newest first. Jobs
// are not attached; use GetBuild for the full record.
func (s *Store) ListBuilds(ctx context.Context, filter Filter) ([]BuildRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: list builds: %w", err)
	}
	defer s.pool.Put(conn)

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	var conditions []string
	var args []any

	if filter.Repo != "" {
		conditions = append(conditions, "repo = ?")
		args = append(args, filter.Repo)
	}
	if filter.Branch != "" {
		conditions = append(conditions, "branch = ?")
		args = append(args, filter.Branch)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT number, pipeline, repo, branch, commit_sha, event, " +
		"pull_request, sender, status, conclusion, created_at, started_at, " +
		"completed_at, duration_ms FROM builds"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY number DESC LIMIT ?"
	args = append(args, limit)

	var records []BuildRecord
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, scanBuild(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("history: list builds: %w", err)
	}
	return records, nil
}

// GetBuild returns one build with its jobs attached, ordered by job
// index. Returns ErrNotFound when the number is unknown.
func (s *Store) GetBuild(ctx context.Context, number int64) (*BuildRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: get build %d: %w", number, err)
	}
	defer s.pool.Put(conn)

	var record *BuildRecord
	err = sqlitex.Execute(conn, `SELECT number, pipeline, repo, branch,
		commit_sha, event, pull_request, sender, status, conclusion,
		created_at, started_at, completed_at, duration_ms
		FROM builds WHERE number = ?`,
		&sqlitex.ExecOptions{
			Args: []any{number},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned := scanBuild(stmt)
				record = &scanned
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("history: get build %d: %w", number, err)
	}
	if record == nil {
		return nil, fmt.Errorf("history: build %d: %w", number, ErrNotFound)
	}

	err = sqlitex.Execute(conn, `SELECT build_number, job_index, version,
		status, conclusion, started_at, completed_at, duration_ms, log_id,
		failed_command, error_message
		FROM jobs WHERE build_number = ? ORDER BY job_index`,
		&sqlitex.ExecOptions{
			Args: []any{number},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record.Jobs = append(record.Jobs, scanJob(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("history: get build %d: jobs: %w", number, err)
	}

	return record, nil
}

func scanBuild(stmt *sqlite.Stmt) BuildRecord {
	// Columns: number(0), pipeline(1), repo(2), branch(3),
	// commit_sha(4), event(5), pull_request(6), sender(7), status(8),
	// conclusion(9), created_at(10), started_at(11), completed_at(12),
	// duration_ms(13)
	return BuildRecord{
		Number:      stmt.ColumnInt64(0),
		Pipeline:    stmt.ColumnText(1),
		Repo:        stmt.ColumnText(2),
		Branch:      stmt.ColumnText(3),
		Commit:      stmt.ColumnText(4),
		Event:       stmt.ColumnText(5),
		PullRequest: stmt.ColumnInt(6),
		Sender:      stmt.ColumnText(7),
		Status:      build.Status(stmt.ColumnText(8)),
		Conclusion:  build.Conclusion(stmt.ColumnText(9)),
		CreatedAt:   timeFromNanos(stmt.ColumnInt64(10)),
		StartedAt:   timeFromNanos(stmt.ColumnInt64(11)),
		CompletedAt: timeFromNanos(stmt.ColumnInt64(12)),
		DurationMS:  stmt.ColumnInt64(13),
	}
}

func scanJob(stmt *sqlite.Stmt) JobRecord {
	// Columns: build_number(0), job_index(1), version(2), status(3),
	// conclusion(4), started_at(5), completed_at(6), duration_ms(7),
	// log_id(8), failed_command(9), error_message(10)
	return JobRecord{
		BuildNumber:   stmt.ColumnInt64(0),
		Index:         stmt.ColumnInt(1),
		Version:       stmt.ColumnText(2),
		Status:        build.Status(stmt.ColumnText(3)),
		Conclusion:    build.Conclusion(stmt.ColumnText(4)),
		StartedAt:     timeFromNanos(stmt.ColumnInt64(5)),
		CompletedAt:   timeFromNanos(stmt.ColumnInt64(6)),
		DurationMS:    stmt.ColumnInt64(7),
		LogID:         stmt.ColumnText(8),
		FailedCommand: stmt.ColumnText(9),
		ErrorMessage:  stmt.ColumnText(10),
	}
}

func statusForConclusion(conclusion build.Conclusion) build.Status {
	switch conclusion {
	case build.ConclusionFailure:
		return build.StatusFailed
	case build.ConclusionInterrupted:
		return build.StatusInterrupted
	default:
		return build.StatusSucceeded
	}
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}
