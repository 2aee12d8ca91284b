// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runclub/attendanced/internal/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id BIGSERIAL PRIMARY KEY,
	date DATE NOT NULL UNIQUE,
	session_code TEXT NOT NULL UNIQUE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS attendances (
	id BIGSERIAL PRIMARY KEY,
	run_id BIGINT NOT NULL REFERENCES runs(id),
	runner_id TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, runner_id)
);

CREATE TABLE IF NOT EXISTS calendar_config (
	date DATE NOT NULL UNIQUE,
	has_run BOOLEAN NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attendances_run_id ON attendances (run_id);
CREATE INDEX IF NOT EXISTS idx_attendances_registered_at ON attendances (registered_at);
CREATE INDEX IF NOT EXISTS idx_runs_date ON runs (date);
`

// codeRetries bounds session-code regeneration on a unique-constraint race.
const codeRetries = 5

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool sized for a small free-tier database and
// applies the schema idempotently.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns == 0 || cfg.MaxConns > 10 {
		cfg.MaxConns = 10
	}
	cfg.MinConns = 1
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger := log.WithComponent("store")
	logger.Info().
		Str("event", "store.connected").
		Int32("max_conns", cfg.MaxConns).
		Msg("connected to postgres")

	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) UpsertCalendarDay(ctx context.Context, date time.Time, hasRun bool, newCode func(context.Context) (string, error)) (*Run, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err, "begin upsert calendar day")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO calendar_config (date, has_run, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (date) DO UPDATE SET has_run = $2, updated_at = now()`,
		date, hasRun)
	if err != nil {
		return nil, classify(err, "upsert calendar day")
	}

	var run *Run
	if hasRun {
		run, err = ensureRunTx(ctx, tx, date, newCode)
	} else {
		run, err = deactivateRunTx(ctx, tx, date)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err, "commit upsert calendar day")
	}
	return run, nil
}

// ensureRunTx materialises the run for date inside tx, reactivating an
// existing one or inserting a fresh row with a collision-checked code.
func ensureRunTx(ctx context.Context, tx pgx.Tx, date time.Time, newCode func(context.Context) (string, error)) (*Run, error) {
	var run Run
	err := tx.QueryRow(ctx,
		`SELECT id, date, session_code, is_active, created_at FROM runs WHERE date = $1`,
		date).Scan(&run.ID, &run.Date, &run.SessionCode, &run.IsActive, &run.CreatedAt)
	switch {
	case err == nil:
		if !run.IsActive {
			if _, err := tx.Exec(ctx, `UPDATE runs SET is_active = TRUE WHERE id = $1`, run.ID); err != nil {
				return nil, classify(err, "reactivate run")
			}
			run.IsActive = true
		}
		return &run, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	default:
		return nil, classify(err, "lookup run by date")
	}

	for attempt := 0; attempt < codeRetries; attempt++ {
		code, err := newCode(ctx)
		if err != nil {
			return nil, fmt.Errorf("generate session code: %w", err)
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO runs (date, session_code, is_active)
			VALUES ($1, $2, TRUE)
			ON CONFLICT (session_code) DO NOTHING
			RETURNING id, date, session_code, is_active, created_at`,
			date, code).Scan(&run.ID, &run.Date, &run.SessionCode, &run.IsActive, &run.CreatedAt)
		if err == nil {
			return &run, nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			continue // code collision, regenerate
		}
		return nil, classify(err, "insert run")
	}
	return nil, fmt.Errorf("insert run: session code collisions exhausted %d attempts", codeRetries)
}

func deactivateRunTx(ctx context.Context, tx pgx.Tx, date time.Time) (*Run, error) {
	var run Run
	err := tx.QueryRow(ctx, `
		UPDATE runs SET is_active = FALSE WHERE date = $1
		RETURNING id, date, session_code, is_active, created_at`,
		date).Scan(&run.ID, &run.Date, &run.SessionCode, &run.IsActive, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "deactivate run")
	}
	return &run, nil
}

func (p *Postgres) GetRunByDate(ctx context.Context, date time.Time) (*Run, error) {
	return p.getRun(ctx, `SELECT id, date, session_code, is_active, created_at FROM runs WHERE date = $1`, date)
}

func (p *Postgres) GetRunByCode(ctx context.Context, sessionCode string) (*Run, error) {
	return p.getRun(ctx, `SELECT id, date, session_code, is_active, created_at FROM runs WHERE session_code = $1`, sessionCode)
}

func (p *Postgres) getRun(ctx context.Context, query string, arg any) (*Run, error) {
	var run Run
	err := p.pool.QueryRow(ctx, query, arg).
		Scan(&run.ID, &run.Date, &run.SessionCode, &run.IsActive, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRun
	}
	if err != nil {
		return nil, classify(err, "lookup run")
	}
	run.Date = normalizeDate(run.Date)
	return &run, nil
}

func (p *Postgres) Register(ctx context.Context, runID int64, runnerID string, ts time.Time) (RegisterResult, error) {
	var res RegisterResult

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return res, classify(err, "begin register")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// FOR SHARE serialises against a concurrent deactivation: if the
	// deactivating UPDATE committed first this read sees false, otherwise
	// the UPDATE waits for this transaction to commit.
	var isActive bool
	err = tx.QueryRow(ctx, `SELECT is_active FROM runs WHERE id = $1 FOR SHARE`, runID).Scan(&isActive)
	if errors.Is(err, pgx.ErrNoRows) {
		res.Status = RegisterNoSuchRun
		return res, nil
	}
	if err != nil {
		return res, classify(err, "check run active")
	}
	if !isActive {
		res.Status = RegisterInactive
		return res, nil
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO attendances (run_id, runner_id, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, runner_id) DO NOTHING`,
		runID, runnerID, ts)
	if err != nil {
		return res, classify(err, "insert attendance")
	}

	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM attendances WHERE run_id = $1`, runID).Scan(&res.Count); err != nil {
		return res, classify(err, "count attendances")
	}

	if tag.RowsAffected() == 0 {
		res.Status = RegisterDuplicate
	} else {
		res.Status = RegisterOK
	}

	if err := tx.Commit(ctx); err != nil {
		return RegisterResult{}, classify(err, "commit register")
	}
	return res, nil
}

func (p *Postgres) CountForRun(ctx context.Context, runID int64) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM attendances WHERE run_id = $1`, runID).Scan(&count)
	if err != nil {
		return 0, classify(err, "count for run")
	}
	return count, nil
}

func (p *Postgres) ListAttendances(ctx context.Context, runID int64) ([]Attendance, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, runner_id, registered_at
		FROM attendances WHERE run_id = $1
		ORDER BY registered_at ASC`, runID)
	if err != nil {
		return nil, classify(err, "list attendances")
	}
	defer rows.Close()

	var out []Attendance
	for rows.Next() {
		var a Attendance
		if err := rows.Scan(&a.ID, &a.RunID, &a.RunnerID, &a.RegisteredAt); err != nil {
			return nil, classify(err, "scan attendance")
		}
		out = append(out, a)
	}
	return out, classifyOrNil(rows.Err(), "iterate attendances")
}

func (p *Postgres) GetAttendance(ctx context.Context, id int64) (*Attendance, error) {
	var a Attendance
	err := p.pool.QueryRow(ctx, `
		SELECT id, run_id, runner_id, registered_at
		FROM attendances WHERE id = $1`, id).
		Scan(&a.ID, &a.RunID, &a.RunnerID, &a.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoAttendance
	}
	if err != nil {
		return nil, classify(err, "get attendance")
	}
	return &a, nil
}

func (p *Postgres) AddAttendance(ctx context.Context, runID int64, runnerID string, ts time.Time) (*Attendance, error) {
	var a Attendance
	err := p.pool.QueryRow(ctx, `
		INSERT INTO attendances (run_id, runner_id, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, runner_id) DO NOTHING
		RETURNING id, run_id, runner_id, registered_at`,
		runID, runnerID, ts).
		Scan(&a.ID, &a.RunID, &a.RunnerID, &a.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDuplicateAttendance
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrNoRun
		}
		return nil, classify(err, "add attendance")
	}
	return &a, nil
}

func (p *Postgres) UpdateAttendance(ctx context.Context, id int64, runnerID *string, registeredAt *time.Time) (*Attendance, error) {
	var a Attendance
	err := p.pool.QueryRow(ctx, `
		UPDATE attendances
		SET runner_id = COALESCE($2, runner_id),
		    registered_at = COALESCE($3, registered_at)
		WHERE id = $1
		RETURNING id, run_id, runner_id, registered_at`,
		id, runnerID, registeredAt).
		Scan(&a.ID, &a.RunID, &a.RunnerID, &a.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoAttendance
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateAttendance
		}
		return nil, classify(err, "update attendance")
	}
	return &a, nil
}

func (p *Postgres) RemoveAttendance(ctx context.Context, id int64) (*Attendance, error) {
	var a Attendance
	err := p.pool.QueryRow(ctx, `
		DELETE FROM attendances WHERE id = $1
		RETURNING id, run_id, runner_id, registered_at`, id).
		Scan(&a.ID, &a.RunID, &a.RunnerID, &a.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoAttendance
	}
	if err != nil {
		return nil, classify(err, "remove attendance")
	}
	return &a, nil
}

const historySelect = `
	SELECT a.id, r.date, a.runner_id, a.registered_at, r.session_code
	FROM attendances a
	JOIN runs r ON r.id = a.run_id
	WHERE r.date >= $1 AND r.date <= $2
	ORDER BY r.date DESC, a.registered_at ASC`

func (p *Postgres) History(ctx context.Context, start, end time.Time, limit, offset int) ([]HistoryRow, int, error) {
	if start.After(end) {
		return nil, 0, nil
	}

	var total int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM attendances a
		JOIN runs r ON r.id = a.run_id
		WHERE r.date >= $1 AND r.date <= $2`, start, end).Scan(&total)
	if err != nil {
		return nil, 0, classify(err, "count history")
	}

	rows, err := p.pool.Query(ctx, historySelect+` LIMIT $3 OFFSET $4`, start, end, limit, offset)
	if err != nil {
		return nil, 0, classify(err, "query history")
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.ID, &h.RunDate, &h.RunnerID, &h.RegisteredAt, &h.SessionCode); err != nil {
			return nil, 0, classify(err, "scan history row")
		}
		h.RunDate = normalizeDate(h.RunDate)
		out = append(out, h)
	}
	return out, total, classifyOrNil(rows.Err(), "iterate history")
}

func (p *Postgres) StreamHistory(ctx context.Context, start, end time.Time, fn func(HistoryRow) error) error {
	if start.After(end) {
		return nil
	}

	rows, err := p.pool.Query(ctx, historySelect, start, end)
	if err != nil {
		return classify(err, "query history stream")
	}
	defer rows.Close()

	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.ID, &h.RunDate, &h.RunnerID, &h.RegisteredAt, &h.SessionCode); err != nil {
			return classify(err, "scan history row")
		}
		h.RunDate = normalizeDate(h.RunDate)
		if err := fn(h); err != nil {
			return err
		}
	}
	return classifyOrNil(rows.Err(), "iterate history stream")
}

func (p *Postgres) CalendarRange(ctx context.Context, start, end time.Time) ([]CalendarDay, error) {
	if start.After(end) {
		return nil, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT c.date, c.has_run, r.session_code,
		       (SELECT count(*) FROM attendances a WHERE a.run_id = r.id)
		FROM calendar_config c
		LEFT JOIN runs r ON r.date = c.date
		WHERE c.date >= $1 AND c.date <= $2
		ORDER BY c.date ASC`, start, end)
	if err != nil {
		return nil, classify(err, "query calendar range")
	}
	defer rows.Close()

	var out []CalendarDay
	for rows.Next() {
		var (
			day   CalendarDay
			code  *string
			count *int
		)
		if err := rows.Scan(&day.Date, &day.HasRun, &code, &count); err != nil {
			return nil, classify(err, "scan calendar day")
		}
		day.Date = normalizeDate(day.Date)
		if code != nil {
			day.SessionCode = *code
		}
		day.AttendanceCount = count
		out = append(out, day)
	}
	return out, classifyOrNil(rows.Err(), "iterate calendar range")
}

// normalizeDate rebases a scanned DATE value onto midnight UTC so values
// compare by equality with DateOf output.
func normalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// classify maps transient database failures to ErrRetryable so callers can
// distinguish them from terminal errors.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrRetryable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception, class 53: insufficient resources,
		// 40001/40P01: serialization failure / deadlock.
		code := pgErr.Code
		if strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") ||
			code == "40001" || code == "40P01" {
			return fmt.Errorf("%s: %w: %w", op, ErrRetryable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrRetryable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func classifyOrNil(err error, op string) error {
	if err == nil {
		return nil
	}
	return classify(err, op)
}

var _ Store = (*Postgres)(nil)
