// SPDX-License-Identifier: MIT

// Package store provides transactional access to runs, attendances and
// calendar days. It is the only component that owns durable state; the
// at-most-once registration property rests entirely on the UNIQUE
// (run_id, runner_id) constraint enforced here.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoRun is returned by point lookups when no matching run exists.
	ErrNoRun = errors.New("store: no such run")

	// ErrNoAttendance is returned by attendance point lookups and
	// mutations when the row does not exist.
	ErrNoAttendance = errors.New("store: no such attendance")

	// ErrDuplicateAttendance marks a write that would violate the
	// UNIQUE (run_id, runner_id) constraint.
	ErrDuplicateAttendance = errors.New("store: attendance already exists")

	// ErrRetryable wraps transient failures (connection loss, serialization
	// conflicts, timeouts). Callers may retry; the uniqueness constraint
	// makes retried registrations safe.
	ErrRetryable = errors.New("store: transient failure")
)

// Run is a scheduled attendance-taking session on a specific date.
type Run struct {
	ID          int64
	Date        time.Time // calendar day, normalised to midnight UTC
	SessionCode string
	IsActive    bool
	CreatedAt   time.Time
}

// Attendance is a single successful check-in by one runner for one run.
type Attendance struct {
	ID           int64
	RunID        int64
	RunnerID     string
	RegisteredAt time.Time
}

// CalendarDay joins a configured day with its run's code and tally, when one exists.
type CalendarDay struct {
	Date            time.Time
	HasRun          bool
	SessionCode     string // empty when no run was materialised
	AttendanceCount *int   // nil when no run was materialised
}

// HistoryRow is one attendance joined with its run, as exposed by history and export.
type HistoryRow struct {
	ID           int64
	RunDate      time.Time
	RunnerID     string
	RegisteredAt time.Time
	SessionCode  string
}

// RegisterStatus discriminates the outcome of a Register call.
type RegisterStatus int

const (
	RegisterOK RegisterStatus = iota
	RegisterDuplicate
	RegisterNoSuchRun
	RegisterInactive
)

// RegisterResult carries the status and the post-transaction tally.
// Count is valid for RegisterOK and RegisterDuplicate.
type RegisterResult struct {
	Status RegisterStatus
	Count  int
}

// Store is the persistence contract. Every method is a single logical
// transaction. Implementations: Postgres (production) and Memory (tests,
// local development).
type Store interface {
	// UpsertCalendarDay records has_run for date. On a false-to-true
	// transition it materialises a run, obtaining the session code from
	// newCode inside the same transaction; a pre-existing inactive run is
	// reactivated instead. On true-to-false it deactivates the run. The
	// returned run is nil when the date has none.
	UpsertCalendarDay(ctx context.Context, date time.Time, hasRun bool, newCode func(context.Context) (string, error)) (*Run, error)

	GetRunByDate(ctx context.Context, date time.Time) (*Run, error)
	GetRunByCode(ctx context.Context, sessionCode string) (*Run, error)

	// Register inserts (runID, runnerID) with ON CONFLICT DO NOTHING and
	// reads the tally inside the same transaction. An inactive run yields
	// RegisterInactive even when the row already exists.
	Register(ctx context.Context, runID int64, runnerID string, ts time.Time) (RegisterResult, error)

	CountForRun(ctx context.Context, runID int64) (int, error)
	ListAttendances(ctx context.Context, runID int64) ([]Attendance, error)

	// Administrative attendance corrections. These bypass the is_active
	// gate deliberately; access control is the caller's concern.
	GetAttendance(ctx context.Context, id int64) (*Attendance, error)
	AddAttendance(ctx context.Context, runID int64, runnerID string, ts time.Time) (*Attendance, error)

	// UpdateAttendance patches the row; nil fields are left unchanged. A
	// runner change that collides with an existing row of the same run
	// yields ErrDuplicateAttendance.
	UpdateAttendance(ctx context.Context, id int64, runnerID *string, registeredAt *time.Time) (*Attendance, error)

	// RemoveAttendance deletes the row and returns it, so callers can
	// tell which run's tally changed.
	RemoveAttendance(ctx context.Context, id int64) (*Attendance, error)

	// History returns a page ordered by (run_date DESC, registered_at ASC)
	// plus the total row count for the range. start > end yields an empty
	// page, not an error.
	History(ctx context.Context, start, end time.Time, limit, offset int) ([]HistoryRow, int, error)

	// StreamHistory invokes fn for each row in the range in export order
	// without materialising the full result.
	StreamHistory(ctx context.Context, start, end time.Time, fn func(HistoryRow) error) error

	// CalendarRange returns the configured days overlapping [start, end].
	CalendarRange(ctx context.Context, start, end time.Time) ([]CalendarDay, error)

	Close()
}

// DateOf truncates t to its calendar day in loc, normalised to midnight UTC
// so dates compare by equality regardless of the wall clock they came from.
func DateOf(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

// DateString formats a normalised date as YYYY-MM-DD.
func DateString(d time.Time) string {
	return d.Format("2006-01-02")
}
