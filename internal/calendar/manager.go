// SPDX-License-Identifier: MIT

// Package calendar owns the run-day lifecycle: marking days, resolving
// "today" in the club's time zone and producing month views.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runclub/attendanced/internal/log"
	"github.com/runclub/attendanced/internal/metrics"
	"github.com/runclub/attendanced/internal/store"
)

// CodeSource supplies fresh session codes when a run is materialised.
type CodeSource interface {
	NewSessionCode(ctx context.Context) (string, error)
}

// TodayStatus is the tally view for the current calendar day.
type TodayStatus struct {
	HasRun      bool
	SessionCode string
	RunID       int64
	Count       int
}

// Manager coordinates calendar configuration with run materialisation.
type Manager struct {
	store store.Store
	codes CodeSource
	loc   *time.Location
	now   func() time.Time
}

func NewManager(st store.Store, codes CodeSource, loc *time.Location) *Manager {
	return &Manager{store: st, codes: codes, loc: loc, now: time.Now}
}

// Configure marks date as a run day or not. Marking true materialises a
// run with a fresh session code, or reactivates a previously deactivated
// one keeping its code; marking false deactivates. Past dates are allowed
// so attendance can be corrected retroactively.
func (m *Manager) Configure(ctx context.Context, date time.Time, hasRun bool) (*store.Run, error) {
	date = store.DateOf(date, m.loc)

	existing, err := m.store.GetRunByDate(ctx, date)
	if err != nil && !errors.Is(err, store.ErrNoRun) {
		return nil, fmt.Errorf("configure %s: %w", store.DateString(date), err)
	}

	run, err := m.store.UpsertCalendarDay(ctx, date, hasRun, m.codes.NewSessionCode)
	if err != nil {
		return nil, fmt.Errorf("configure %s: %w", store.DateString(date), err)
	}

	logger := log.WithComponent("calendar")
	if hasRun && existing == nil && run != nil {
		metrics.RunsMaterializedTotal.Inc()
		logger.Info().
			Str("event", "calendar.run_created").
			Str("date", store.DateString(date)).
			Str("session_code", run.SessionCode).
			Msg("run day created")
	} else {
		logger.Info().
			Str("event", "calendar.day_configured").
			Str("date", store.DateString(date)).
			Bool("has_run", hasRun).
			Msg("calendar day configured")
	}
	return run, nil
}

// Today resolves the current calendar day in the configured zone and
// reports its run status and tally. A day with no run yields
// {HasRun: false}.
func (m *Manager) Today(ctx context.Context) (TodayStatus, error) {
	date := store.DateOf(m.now(), m.loc)

	run, err := m.store.GetRunByDate(ctx, date)
	if errors.Is(err, store.ErrNoRun) {
		return TodayStatus{}, nil
	}
	if err != nil {
		return TodayStatus{}, fmt.Errorf("today: %w", err)
	}
	if !run.IsActive {
		return TodayStatus{}, nil
	}

	count, err := m.store.CountForRun(ctx, run.ID)
	if err != nil {
		return TodayStatus{}, fmt.Errorf("today: %w", err)
	}
	return TodayStatus{
		HasRun:      true,
		SessionCode: run.SessionCode,
		RunID:       run.ID,
		Count:       count,
	}, nil
}

// Month returns the configured days of the given month with their codes
// and attendance counts.
func (m *Manager) Month(ctx context.Context, year int, month time.Month) ([]store.CalendarDay, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)

	days, err := m.store.CalendarRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("month %04d-%02d: %w", year, month, err)
	}
	return days, nil
}
