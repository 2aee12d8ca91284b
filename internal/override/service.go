// SPDX-License-Identifier: MIT

// Package override is the administrative correction surface: manually
// adding, editing and removing attendance rows for runners who were
// present but never scanned, or for historical data entry. It bypasses
// the session-code and is_active gates of the normal registration path;
// the gateway restricts it to admins.
package override

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runclub/attendanced/internal/bus"
	"github.com/runclub/attendanced/internal/calendar"
	"github.com/runclub/attendanced/internal/log"
	"github.com/runclub/attendanced/internal/registration"
	"github.com/runclub/attendanced/internal/store"
)

// ErrInvalidRunner rejects empty or over-length runner identifiers.
var ErrInvalidRunner = errors.New("override: invalid runner_id")

// Bulk operation actions.
const (
	ActionAdd    = "add"
	ActionEdit   = "edit"
	ActionRemove = "remove"
)

// Service applies manual attendance corrections and keeps dashboards in
// sync by publishing fresh tallies after every count-changing commit.
type Service struct {
	store store.Store
	codes calendar.CodeSource
	bus   bus.Bus
	loc   *time.Location
	now   func() time.Time
}

func NewService(st store.Store, codes calendar.CodeSource, b bus.Bus, loc *time.Location) *Service {
	return &Service{store: st, codes: codes, bus: b, loc: loc, now: time.Now}
}

func normalizeRunner(runnerID string) (string, error) {
	runnerID = strings.TrimSpace(runnerID)
	if runnerID == "" || len(runnerID) > registration.MaxRunnerIDLen {
		return "", ErrInvalidRunner
	}
	return runnerID, nil
}

// Add inserts an attendance for runnerID on date. A date with no run gets
// one materialised (active, fresh session code) so historical days can be
// backfilled in one step. registeredAt nil means the server clock.
func (s *Service) Add(ctx context.Context, runnerID string, date time.Time, registeredAt *time.Time) (*store.Attendance, *store.Run, error) {
	runnerID, err := normalizeRunner(runnerID)
	if err != nil {
		return nil, nil, err
	}
	date = store.DateOf(date, s.loc)

	run, err := s.store.GetRunByDate(ctx, date)
	if errors.Is(err, store.ErrNoRun) {
		run, err = s.store.UpsertCalendarDay(ctx, date, true, s.codes.NewSessionCode)
		if err == nil {
			logger := log.WithComponentFromContext(ctx, "override")
			logger.Info().
				Str("event", "override.run_created").
				Str("date", store.DateString(date)).
				Msg("run materialised for manual attendance")
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("add attendance on %s: %w", store.DateString(date), err)
	}

	ts := s.now().UTC()
	if registeredAt != nil {
		ts = registeredAt.UTC()
	}

	att, err := s.store.AddAttendance(ctx, run.ID, runnerID, ts)
	if err != nil {
		return nil, run, err
	}

	s.publishTally(ctx, run.ID)
	logger := log.WithComponentFromContext(ctx, "override")
	logger.Info().
		Str("event", "override.added").
		Int64("attendance_id", att.ID).
		Int64("run_id", run.ID).
		Msg("attendance added manually")
	return att, run, nil
}

// Edit patches runner and/or timestamp of an existing row. The tally is
// unchanged by an edit, so nothing is published.
func (s *Service) Edit(ctx context.Context, id int64, runnerID *string, registeredAt *time.Time) (*store.Attendance, error) {
	if runnerID != nil {
		normalized, err := normalizeRunner(*runnerID)
		if err != nil {
			return nil, err
		}
		runnerID = &normalized
	}
	if runnerID == nil && registeredAt == nil {
		return nil, ErrInvalidRunner
	}

	att, err := s.store.UpdateAttendance(ctx, id, runnerID, registeredAt)
	if err != nil {
		return nil, err
	}
	logger := log.WithComponentFromContext(ctx, "override")
	logger.Info().
		Str("event", "override.edited").
		Int64("attendance_id", att.ID).
		Msg("attendance edited")
	return att, nil
}

// Remove deletes a row and publishes the shrunken tally.
func (s *Service) Remove(ctx context.Context, id int64) (*store.Attendance, error) {
	att, err := s.store.RemoveAttendance(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publishTally(ctx, att.RunID)
	logger := log.WithComponentFromContext(ctx, "override")
	logger.Info().
		Str("event", "override.removed").
		Int64("attendance_id", att.ID).
		Int64("run_id", att.RunID).
		Msg("attendance removed")
	return att, nil
}

// Get returns a single attendance row.
func (s *Service) Get(ctx context.Context, id int64) (*store.Attendance, error) {
	return s.store.GetAttendance(ctx, id)
}

// Operation is one step of a bulk request.
type Operation struct {
	Action       string
	AttendanceID int64
	RunnerID     string
	Date         time.Time
	HasDate      bool
	RegisteredAt *time.Time
}

// OpResult reports one bulk step. Failed steps carry the error message;
// the remaining steps still run (each operation commits independently).
type OpResult struct {
	Index        int    `json:"index"`
	Action       string `json:"action"`
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	AttendanceID int64  `json:"attendance_id,omitempty"`
}

// Bulk executes the operations in order and reports per-step outcomes.
func (s *Service) Bulk(ctx context.Context, ops []Operation) []OpResult {
	results := make([]OpResult, 0, len(ops))
	for i, op := range ops {
		res := OpResult{Index: i, Action: op.Action}
		switch op.Action {
		case ActionAdd:
			if !op.HasDate {
				res.Message = "run_date is required for add"
				break
			}
			att, _, err := s.Add(ctx, op.RunnerID, op.Date, op.RegisteredAt)
			if err != nil {
				res.Message = err.Error()
				break
			}
			res.Success = true
			res.AttendanceID = att.ID
		case ActionEdit:
			var runnerID *string
			if op.RunnerID != "" {
				runnerID = &op.RunnerID
			}
			att, err := s.Edit(ctx, op.AttendanceID, runnerID, op.RegisteredAt)
			if err != nil {
				res.Message = err.Error()
				break
			}
			res.Success = true
			res.AttendanceID = att.ID
		case ActionRemove:
			att, err := s.Remove(ctx, op.AttendanceID)
			if err != nil {
				res.Message = err.Error()
				break
			}
			res.Success = true
			res.AttendanceID = att.ID
		default:
			res.Message = fmt.Sprintf("unknown action %q", op.Action)
		}
		results = append(results, res)
	}
	return results
}

// publishTally pushes the post-commit count so dashboards reflect manual
// corrections without reconnecting. Failures degrade freshness only.
func (s *Service) publishTally(ctx context.Context, runID int64) {
	count, err := s.store.CountForRun(ctx, runID)
	if err != nil {
		logger := log.WithComponentFromContext(ctx, "override")
		logger.Warn().
			Err(err).
			Str("event", "override.tally_read_failed").
			Int64("run_id", runID).
			Msg("tally not published")
		return
	}
	ev := bus.Event{Kind: bus.KindTallyUpdate, RunID: runID, Count: count, At: s.now().UTC()}
	if err := s.bus.Publish(ctx, bus.TopicTally, ev); err != nil {
		logger := log.WithComponentFromContext(ctx, "override")
		logger.Warn().
			Err(err).
			Str("event", "override.publish_failed").
			Int64("run_id", runID).
			Msg("tally event not published")
	}
}
