// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process Store. It backs local development
// without a database and the engine and handler tests. Semantics mirror
// Postgres, including the at-most-once guarantee per (run, runner).
type Memory struct {
	mu          sync.Mutex
	nextRunID   int64
	nextAttID   int64
	runs        map[int64]*Run
	runsByDate  map[string]int64
	runsByCode  map[string]int64
	attendances map[int64][]Attendance // keyed by run ID, insertion order
	calendar    map[string]bool        // date string -> has_run
}

func NewMemory() *Memory {
	return &Memory{
		nextRunID:   1,
		nextAttID:   1,
		runs:        make(map[int64]*Run),
		runsByDate:  make(map[string]int64),
		runsByCode:  make(map[string]int64),
		attendances: make(map[int64][]Attendance),
		calendar:    make(map[string]bool),
	}
}

func (m *Memory) Close() {}

func (m *Memory) UpsertCalendarDay(ctx context.Context, date time.Time, hasRun bool, newCode func(context.Context) (string, error)) (*Run, error) {
	// Generate outside the lock: newCode may call back into the store.
	var code string
	if hasRun {
		var err error
		if code, err = newCode(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := DateString(date)
	m.calendar[key] = hasRun

	id, exists := m.runsByDate[key]
	if !hasRun {
		if !exists {
			return nil, nil
		}
		m.runs[id].IsActive = false
		cp := *m.runs[id]
		return &cp, nil
	}

	if exists {
		m.runs[id].IsActive = true
		cp := *m.runs[id]
		return &cp, nil
	}

	run := &Run{
		ID:          m.nextRunID,
		Date:        date,
		SessionCode: code,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	m.nextRunID++
	m.runs[run.ID] = run
	m.runsByDate[key] = run.ID
	m.runsByCode[run.SessionCode] = run.ID
	cp := *run
	return &cp, nil
}

func (m *Memory) GetRunByDate(_ context.Context, date time.Time) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.runsByDate[DateString(date)]
	if !ok {
		return nil, ErrNoRun
	}
	cp := *m.runs[id]
	return &cp, nil
}

func (m *Memory) GetRunByCode(_ context.Context, sessionCode string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.runsByCode[sessionCode]
	if !ok {
		return nil, ErrNoRun
	}
	cp := *m.runs[id]
	return &cp, nil
}

func (m *Memory) Register(_ context.Context, runID int64, runnerID string, ts time.Time) (RegisterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return RegisterResult{Status: RegisterNoSuchRun}, nil
	}
	if !run.IsActive {
		return RegisterResult{Status: RegisterInactive}, nil
	}

	for _, a := range m.attendances[runID] {
		if a.RunnerID == runnerID {
			return RegisterResult{Status: RegisterDuplicate, Count: len(m.attendances[runID])}, nil
		}
	}

	m.attendances[runID] = append(m.attendances[runID], Attendance{
		ID:           m.nextAttID,
		RunID:        runID,
		RunnerID:     runnerID,
		RegisteredAt: ts,
	})
	m.nextAttID++
	return RegisterResult{Status: RegisterOK, Count: len(m.attendances[runID])}, nil
}

func (m *Memory) CountForRun(_ context.Context, runID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attendances[runID]), nil
}

func (m *Memory) ListAttendances(_ context.Context, runID int64) ([]Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attendance, len(m.attendances[runID]))
	copy(out, m.attendances[runID])
	return out, nil
}

// findLocked returns the run ID and slice index of an attendance row.
func (m *Memory) findLocked(id int64) (int64, int, bool) {
	for runID, atts := range m.attendances {
		for i, a := range atts {
			if a.ID == id {
				return runID, i, true
			}
		}
	}
	return 0, 0, false
}

func (m *Memory) GetAttendance(_ context.Context, id int64) (*Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runID, i, ok := m.findLocked(id)
	if !ok {
		return nil, ErrNoAttendance
	}
	cp := m.attendances[runID][i]
	return &cp, nil
}

func (m *Memory) AddAttendance(_ context.Context, runID int64, runnerID string, ts time.Time) (*Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return nil, ErrNoRun
	}
	for _, a := range m.attendances[runID] {
		if a.RunnerID == runnerID {
			return nil, ErrDuplicateAttendance
		}
	}

	a := Attendance{
		ID:           m.nextAttID,
		RunID:        runID,
		RunnerID:     runnerID,
		RegisteredAt: ts,
	}
	m.nextAttID++
	m.attendances[runID] = append(m.attendances[runID], a)
	return &a, nil
}

func (m *Memory) UpdateAttendance(_ context.Context, id int64, runnerID *string, registeredAt *time.Time) (*Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runID, i, ok := m.findLocked(id)
	if !ok {
		return nil, ErrNoAttendance
	}

	if runnerID != nil {
		for _, a := range m.attendances[runID] {
			if a.ID != id && a.RunnerID == *runnerID {
				return nil, ErrDuplicateAttendance
			}
		}
		m.attendances[runID][i].RunnerID = *runnerID
	}
	if registeredAt != nil {
		m.attendances[runID][i].RegisteredAt = *registeredAt
	}
	cp := m.attendances[runID][i]
	return &cp, nil
}

func (m *Memory) RemoveAttendance(_ context.Context, id int64) (*Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runID, i, ok := m.findLocked(id)
	if !ok {
		return nil, ErrNoAttendance
	}
	cp := m.attendances[runID][i]
	m.attendances[runID] = append(m.attendances[runID][:i], m.attendances[runID][i+1:]...)
	return &cp, nil
}

func (m *Memory) historyLocked(start, end time.Time) []HistoryRow {
	var rows []HistoryRow
	for runID, atts := range m.attendances {
		run := m.runs[runID]
		if run.Date.Before(start) || run.Date.After(end) {
			continue
		}
		for _, a := range atts {
			rows = append(rows, HistoryRow{
				ID:           a.ID,
				RunDate:      run.Date,
				RunnerID:     a.RunnerID,
				RegisteredAt: a.RegisteredAt,
				SessionCode:  run.SessionCode,
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].RunDate.Equal(rows[j].RunDate) {
			return rows[i].RunDate.After(rows[j].RunDate)
		}
		return rows[i].RegisteredAt.Before(rows[j].RegisteredAt)
	})
	return rows
}

func (m *Memory) History(_ context.Context, start, end time.Time, limit, offset int) ([]HistoryRow, int, error) {
	if start.After(end) {
		return nil, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.historyLocked(start, end)
	total := len(rows)
	if offset >= total {
		return nil, total, nil
	}
	rows = rows[offset:]
	if limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, total, nil
}

func (m *Memory) StreamHistory(_ context.Context, start, end time.Time, fn func(HistoryRow) error) error {
	if start.After(end) {
		return nil
	}
	m.mu.Lock()
	rows := m.historyLocked(start, end)
	m.mu.Unlock()

	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) CalendarRange(_ context.Context, start, end time.Time) ([]CalendarDay, error) {
	if start.After(end) {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []CalendarDay
	for key, hasRun := range m.calendar {
		date, err := time.Parse("2006-01-02", key)
		if err != nil {
			continue
		}
		if date.Before(start) || date.After(end) {
			continue
		}
		day := CalendarDay{Date: date, HasRun: hasRun}
		if id, ok := m.runsByDate[key]; ok {
			day.SessionCode = m.runs[id].SessionCode
			count := len(m.attendances[id])
			day.AttendanceCount = &count
		}
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

var _ Store = (*Memory)(nil)
