// Package mirror upserts each call's final record into Postgres when the
// call reaches a terminal state. The journal remains the system of record; this
// table exists purely so operators can run SQL against call history instead
// of scanning calls.jsonl, and is never read back into the running process.
package mirror

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"github.com/clawd-ai/supercall/internal/callmgr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config configures the Postgres mirror.
type Config struct {
	Logger      *slog.Logger
	DatabaseURL string
	Timeout     time.Duration
}

// Mirror is a fire-and-forget sink: Write never blocks the call manager and
// never returns an error the caller could act on, only logs it.
type Mirror struct {
	logger  *slog.Logger
	pool    *pgxpool.Pool
	timeout time.Duration
}

// Open connects to Postgres and applies any pending goose migrations before
// returning. Call Close on shutdown.
func Open(ctx context.Context, cfg Config) (*Mirror, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("mirror: connect: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("mirror: set dialect: %w", err)
	}
	db, err := goose.OpenDBWithDriver("pgx", cfg.DatabaseURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("mirror: open migration conn: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := goose.Up(db, "migrations"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("mirror: apply migrations: %w", err)
	}

	return &Mirror{logger: logger, pool: pool, timeout: timeout}, nil
}

func (m *Mirror) Close() {
	m.pool.Close()
}

// Write is the Sink passed to callmgr.Manager.AddReportSink. The manager
// runs it on its own goroutine after every terminal transition, and it
// spends at most m.timeout before giving up, so a slow or unreachable
// database never holds up the call manager.
func (m *Mirror) Write(rec *callmgr.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		m.logger.Warn("mirror: marshal transcript failed", "callId", rec.CallID, "error", err)
		return
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		m.logger.Warn("mirror: marshal metadata failed", "callId", rec.CallID, "error", err)
		return
	}

	_, err = m.pool.Exec(ctx, `
		insert into calls (call_id, provider_call_id, direction, state, from_number, to_number,
			started_at, answered_at, ended_at, end_reason, transcript, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		on conflict (call_id) do update set
			provider_call_id = excluded.provider_call_id,
			state = excluded.state,
			answered_at = excluded.answered_at,
			ended_at = excluded.ended_at,
			end_reason = excluded.end_reason,
			transcript = excluded.transcript,
			metadata = excluded.metadata
	`,
		rec.CallID, rec.ProviderCallID, rec.Direction, string(rec.State), rec.From, rec.To,
		millisToTimestamp(rec.StartedAt), millisToTimestamp(rec.AnsweredAt), millisToTimestamp(rec.EndedAt),
		rec.EndReason, transcript, metadata,
	)
	if err != nil {
		m.logger.Warn("mirror: upsert failed", "callId", rec.CallID, "error", err)
	}
}

func millisToTimestamp(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
