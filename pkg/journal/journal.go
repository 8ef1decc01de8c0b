// Package journal persists command lifecycle events from a commandqueue.Queue
// into SQLite and prunes old rows on a cron schedule.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/cmdq/internal/observability"
	"github.com/harun/cmdq/pkg/commandqueue"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Row statuses. Completed rows use the commandqueue completion statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
)

// Config holds journal configuration
type Config struct {
	Path          string
	Retention     time.Duration // rows finished longer ago are pruned
	PruneSchedule string        // cron spec; empty disables scheduled pruning
	Logger        *zerolog.Logger
}

// Entry is one journaled command
type Entry struct {
	RunID      string
	CommandID  string
	Queue      string
	Method     string
	Status     string
	Error      string
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	DurationMs int64
}

// Journal records queue events
type Journal struct {
	db        *sql.DB
	runID     string
	retention time.Duration
	logger    zerolog.Logger
	scheduler *cron.Cron

	closeOnce sync.Once
}

// Open opens or creates the journal database
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.PruneSchedule != "" && cfg.Retention <= 0 {
		return nil, errors.New("retention must be positive when pruning is scheduled")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	observability.EnsureRegistered()

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &Journal{
		db:        db,
		runID:     uuid.NewString(),
		retention: cfg.Retention,
		logger:    logger.With().Str("component", "journal").Logger(),
	}

	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.PruneSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		j.scheduler = cron.New(cron.WithParser(parser))
		if _, err := j.scheduler.AddFunc(cfg.PruneSchedule, j.pruneExpired); err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid prune schedule: %w", err)
		}
		j.scheduler.Start()
	}

	j.logger.Info().Str("path", cfg.Path).Str("runId", j.runID).Msg("Journal opened")
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS commands (
			run_id TEXT NOT NULL,
			command_id TEXT NOT NULL,
			queue TEXT NOT NULL,
			method TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			enqueued_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			duration_ms INTEGER,
			PRIMARY KEY (run_id, command_id)
		);
		CREATE INDEX IF NOT EXISTS idx_commands_enqueued ON commands(enqueued_at);
		CREATE INDEX IF NOT EXISTS idx_commands_finished ON commands(finished_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RunID identifies this process's rows. Command IDs restart with every
// queue, so rows are keyed by run and command.
func (j *Journal) RunID() string {
	return j.runID
}

// Attach subscribes the journal to q's command events
func (j *Journal) Attach(q *commandqueue.Queue) {
	handler := func(event commandqueue.Event) {
		if err := j.Record(context.Background(), event); err != nil {
			observability.RecordJournalWriteError()
			j.logger.Error().
				Err(err).
				Str("commandId", event.CommandID).
				Str("event", string(event.Type)).
				Msg("Failed to journal command event")
		}
	}

	q.On(commandqueue.EventEnqueued, handler)
	q.On(commandqueue.EventStarted, handler)
	q.On(commandqueue.EventCompleted, handler)
}

// Record writes one queue event. Events other than enqueued, started and
// completed are ignored.
func (j *Journal) Record(ctx context.Context, event commandqueue.Event) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ms := ts.UnixMilli()

	var err error
	switch event.Type {
	case commandqueue.EventEnqueued:
		_, err = j.db.ExecContext(ctx, `
			INSERT INTO commands (run_id, command_id, queue, method, status, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, command_id) DO NOTHING`,
			j.runID, event.CommandID, event.Queue, event.Method, StatusQueued, ms)

	case commandqueue.EventStarted:
		_, err = j.db.ExecContext(ctx, `
			INSERT INTO commands (run_id, command_id, queue, method, status, enqueued_at, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, command_id) DO UPDATE SET status = excluded.status, started_at = excluded.started_at`,
			j.runID, event.CommandID, event.Queue, event.Method, StatusRunning, ms, ms)

	case commandqueue.EventCompleted:
		var errText sql.NullString
		if event.Err != nil {
			errText = sql.NullString{String: event.Err.Error(), Valid: true}
		}
		var duration int64
		if d, ok := event.Data["duration"].(int64); ok {
			duration = d
		}
		_, err = j.db.ExecContext(ctx, `
			INSERT INTO commands (run_id, command_id, queue, method, status, error, enqueued_at, finished_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, command_id) DO UPDATE SET
				status = excluded.status,
				error = excluded.error,
				finished_at = excluded.finished_at,
				duration_ms = excluded.duration_ms`,
			j.runID, event.CommandID, event.Queue, event.Method, event.Status, errText, ms, ms, duration)

	default:
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", event.Type, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, command_id, queue, method, status, error, enqueued_at, started_at, finished_at, duration_ms
		FROM commands
		ORDER BY enqueued_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			errText    sql.NullString
			enqueuedAt int64
			startedAt  sql.NullInt64
			finishedAt sql.NullInt64
			duration   sql.NullInt64
		)
		if err := rows.Scan(&e.RunID, &e.CommandID, &e.Queue, &e.Method, &e.Status, &errText,
			&enqueuedAt, &startedAt, &finishedAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}

		e.Error = errText.String
		e.EnqueuedAt = time.UnixMilli(enqueuedAt)
		if startedAt.Valid {
			t := time.UnixMilli(startedAt.Int64)
			e.StartedAt = &t
		}
		if finishedAt.Valid {
			t := time.UnixMilli(finishedAt.Int64)
			e.FinishedAt = &t
		}
		e.DurationMs = duration.Int64

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Summary counts entries by status
func (j *Journal) Summary(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM commands GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize journal: %w", err)
	}
	defer rows.Close()

	summary := make(map[string]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summary[status] = count
	}

	return summary, rows.Err()
}

// Prune deletes finished entries older than before and returns how many
// were removed
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM commands WHERE finished_at IS NOT NULL AND finished_at < ?`,
		before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}

	observability.RecordJournalPruned(n)
	return n, nil
}

func (j *Journal) pruneExpired() {
	n, err := j.Prune(context.Background(), time.Now().Add(-j.retention))
	if err != nil {
		j.logger.Error().Err(err).Msg("Scheduled prune failed")
		return
	}
	if n > 0 {
		j.logger.Info().Int64("rows", n).Msg("Pruned journal")
	}
}

// Close stops scheduled pruning and closes the database
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		if j.scheduler != nil {
			<-j.scheduler.Stop().Done()
		}
		err = j.db.Close()
	})
	return err
}
