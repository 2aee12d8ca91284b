// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runclub/attendanced/internal/override"
	"github.com/runclub/attendanced/internal/store"
)

type overrideAddRequest struct {
	RunnerName   string `json:"runner_name"`
	RunDate      string `json:"run_date"`
	RegisteredAt string `json:"registered_at"`
}

type overrideEditRequest struct {
	RunnerName   *string `json:"runner_name"`
	RegisteredAt *string `json:"registered_at"`
}

type overrideBulkRequest struct {
	Operations []overrideOperation `json:"operations"`
}

type overrideOperation struct {
	Action       string `json:"action"`
	AttendanceID int64  `json:"attendance_id"`
	RunnerName   string `json:"runner_name"`
	RunDate      string `json:"run_date"`
	RegisteredAt string `json:"registered_at"`
}

type attendanceResponse struct {
	ID           int64  `json:"id"`
	RunID        int64  `json:"run_id"`
	RunnerID     string `json:"runner_id"`
	RegisteredAt string `json:"registered_at"`
}

func toAttendanceResponse(a *store.Attendance) attendanceResponse {
	return attendanceResponse{
		ID:           a.ID,
		RunID:        a.RunID,
		RunnerID:     a.RunnerID,
		RegisteredAt: a.RegisteredAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleOverrideAdd(w http.ResponseWriter, r *http.Request) {
	var req overrideAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, KindMalformed, "invalid JSON body")
		return
	}
	date, err := time.Parse("2006-01-02", req.RunDate)
	if err != nil {
		respondError(w, r, KindMalformed, "run_date must be YYYY-MM-DD")
		return
	}
	var registeredAt *time.Time
	if req.RegisteredAt != "" {
		ts, err := time.Parse(time.RFC3339, req.RegisteredAt)
		if err != nil {
			respondError(w, r, KindMalformed, "registered_at must be RFC 3339")
			return
		}
		registeredAt = &ts
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()

	att, run, err := s.override.Add(ctx, req.RunnerName, date, registeredAt)
	if err != nil {
		s.respondOverrideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"attendance":   toAttendanceResponse(att),
		"run_date":     store.DateString(run.Date),
		"session_code": run.SessionCode,
	})
}

func (s *Server) handleOverrideGet(w http.ResponseWriter, r *http.Request) {
	id, ok := attendanceID(w, r)
	if !ok {
		return
	}
	att, err := s.override.Get(r.Context(), id)
	if err != nil {
		s.respondOverrideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"attendance": toAttendanceResponse(att),
	})
}

func (s *Server) handleOverrideEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := attendanceID(w, r)
	if !ok {
		return
	}
	var req overrideEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, KindMalformed, "invalid JSON body")
		return
	}
	var registeredAt *time.Time
	if req.RegisteredAt != nil {
		ts, err := time.Parse(time.RFC3339, *req.RegisteredAt)
		if err != nil {
			respondError(w, r, KindMalformed, "registered_at must be RFC 3339")
			return
		}
		registeredAt = &ts
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()

	att, err := s.override.Edit(ctx, id, req.RunnerName, registeredAt)
	if err != nil {
		s.respondOverrideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"attendance": toAttendanceResponse(att),
	})
}

func (s *Server) handleOverrideRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := attendanceID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()

	att, err := s.override.Remove(ctx, id)
	if err != nil {
		s.respondOverrideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"attendance": toAttendanceResponse(att),
	})
}

func (s *Server) handleOverrideBulk(w http.ResponseWriter, r *http.Request) {
	var req overrideBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, KindMalformed, "invalid JSON body")
		return
	}
	if len(req.Operations) == 0 {
		respondError(w, r, KindMalformed, "operations is required")
		return
	}

	ops := make([]override.Operation, 0, len(req.Operations))
	for i, in := range req.Operations {
		op := override.Operation{
			Action:       in.Action,
			AttendanceID: in.AttendanceID,
			RunnerID:     in.RunnerName,
		}
		if in.RunDate != "" {
			date, err := time.Parse("2006-01-02", in.RunDate)
			if err != nil {
				respondError(w, r, KindMalformed,
					"operations["+strconv.Itoa(i)+"].run_date must be YYYY-MM-DD")
				return
			}
			op.Date, op.HasDate = date, true
		}
		if in.RegisteredAt != "" {
			ts, err := time.Parse(time.RFC3339, in.RegisteredAt)
			if err != nil {
				respondError(w, r, KindMalformed,
					"operations["+strconv.Itoa(i)+"].registered_at must be RFC 3339")
				return
			}
			op.RegisteredAt = &ts
		}
		ops = append(ops, op)
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()

	results := s.override.Bulk(ctx, ops)
	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   succeeded == len(results),
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
		"results":   results,
	})
}

func attendanceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "attendanceID"), 10, 64)
	if err != nil || id < 1 {
		respondError(w, r, KindInvalid, "attendance id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) respondOverrideError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, override.ErrInvalidRunner):
		respondError(w, r, KindInvalid, "runner_name must be 1-64 characters")
	case errors.Is(err, store.ErrDuplicateAttendance):
		respondError(w, r, KindAlreadyRegistered, "attendance already recorded for this runner and run")
	case errors.Is(err, store.ErrNoAttendance):
		respondError(w, r, KindBadSession, "no such attendance record")
	case errors.Is(err, store.ErrNoRun):
		respondError(w, r, KindBadSession, "no run for that date")
	default:
		s.respondStoreError(w, r, err)
	}
}
