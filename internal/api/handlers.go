// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runclub/attendanced/internal/export"
	"github.com/runclub/attendanced/internal/log"
	"github.com/runclub/attendanced/internal/registration"
	"github.com/runclub/attendanced/internal/store"
)

// History pagination bounds.
const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// Sentinels for an unbounded history range.
var (
	rangeMin = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	rangeMax = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
)

type configureRequest struct {
	Date   string `json:"date"`
	HasRun *bool  `json:"has_run"`
}

func (s *Server) handleCalendarConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, KindMalformed, "invalid JSON body")
		return
	}
	if req.HasRun == nil {
		respondError(w, r, KindMalformed, "has_run is required")
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		respondError(w, r, KindMalformed, "date must be YYYY-MM-DD")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()

	run, err := s.calendar.Configure(ctx, date, *req.HasRun)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	resp := map[string]any{"date": req.Date, "has_run": *req.HasRun}
	if run != nil && run.IsActive {
		resp["session_code"] = run.SessionCode
	}
	writeJSON(w, http.StatusOK, resp)
}

type calendarDayResponse struct {
	Date            string `json:"date"`
	HasRun          bool   `json:"has_run"`
	AttendanceCount int    `json:"attendance_count"`
	SessionCode     string `json:"session_code,omitempty"`
}

func (s *Server) handleCalendarMonth(w http.ResponseWriter, r *http.Request) {
	monthParam := r.URL.Query().Get("month")
	var (
		year  int
		month time.Month
	)
	if monthParam == "" {
		now := time.Now().In(s.loc)
		year, month = now.Year(), now.Month()
	} else {
		parsed, err := time.Parse("2006-01", monthParam)
		if err != nil {
			respondError(w, r, KindInvalid, "month must be YYYY-MM")
			return
		}
		year, month = parsed.Year(), parsed.Month()
	}

	days, err := s.calendar.Month(r.Context(), year, month)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	data := make([]calendarDayResponse, 0, len(days))
	for _, d := range days {
		item := calendarDayResponse{
			Date:   store.DateString(d.Date),
			HasRun: d.HasRun,
		}
		if d.AttendanceCount != nil {
			item.AttendanceCount = *d.AttendanceCount
		}
		if d.HasRun {
			item.SessionCode = d.SessionCode
		}
		data = append(data, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handleCalendarToday(w http.ResponseWriter, r *http.Request) {
	status, err := s.calendar.Today(r.Context())
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	resp := map[string]any{
		"has_run":          status.HasRun,
		"attendance_count": status.Count,
	}
	if status.HasRun {
		resp["session_code"] = status.SessionCode
	}
	writeJSON(w, http.StatusOK, resp)
}

type registerRequest struct {
	SessionID  string `json:"session_id"`
	RunnerName string `json:"runner_name"`
	Timestamp  string `json:"timestamp"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, KindMalformed, "invalid JSON body")
		return
	}

	// The client clock is informational only; a bad value is not an error.
	clientTS, _ := time.Parse(time.RFC3339, req.Timestamp)

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()

	out := s.engine.Register(ctx, req.SessionID, req.RunnerName, clientTS)
	switch out.Status {
	case registration.StatusOK:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"current_count": out.Count,
			"runner_name":   out.RunnerID,
		})
	case registration.StatusAlreadyRegistered:
		count := out.Count
		respondErrorCount(w, r, KindAlreadyRegistered, "runner already registered for this run", &count)
	case registration.StatusBadSession:
		respondError(w, r, KindBadSession, "unknown or unusable session")
	case registration.StatusSessionClosed:
		respondError(w, r, KindSessionClosed, "session is not accepting registrations")
	case registration.StatusInvalid:
		respondError(w, r, KindInvalid, out.Reason)
	case registration.StatusRetryable:
		respondError(w, r, KindRetryable, "temporary failure, retry the request")
	default:
		respondError(w, r, KindInternal, "")
	}
}

func (s *Server) handleAttendanceToday(w http.ResponseWriter, r *http.Request) {
	status, err := s.calendar.Today(r.Context())
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	resp := map[string]any{
		"count":         status.Count,
		"has_run_today": status.HasRun,
	}
	if status.HasRun {
		resp["session_id"] = status.SessionCode
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyRowResponse struct {
	ID           int64  `json:"id"`
	RunDate      string `json:"run_date"`
	RunnerID     string `json:"runner_id"`
	RegisteredAt string `json:"registered_at"`
	SessionCode  string `json:"session_code"`
}

func (s *Server) handleAttendanceHistory(w http.ResponseWriter, r *http.Request) {
	start, end, ok := s.parseRange(w, r)
	if !ok {
		return
	}

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", defaultPageSize)
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	rows, total, err := s.store.History(r.Context(), start, end, pageSize, (page-1)*pageSize)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	data := make([]historyRowResponse, 0, len(rows))
	for _, row := range rows {
		data = append(data, historyRowResponse{
			ID:           row.ID,
			RunDate:      store.DateString(row.RunDate),
			RunnerID:     row.RunnerID,
			RegisteredAt: row.RegisteredAt.UTC().Format(time.RFC3339),
			SessionCode:  row.SessionCode,
		})
	}

	totalPages := (total + pageSize - 1) / pageSize
	writeJSON(w, http.StatusOK, map[string]any{
		"data":        data,
		"total_count": total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": totalPages,
	})
}

func (s *Server) handleAttendanceExport(w http.ResponseWriter, r *http.Request) {
	start, end, ok := s.parseRange(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.Filename(start, end)))

	if err := export.WriteCSV(r.Context(), s.store, start, end, w); err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str("event", "export.failed").
			Msg("csv export aborted mid-stream")
	}
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	sessionCode := chi.URLParam(r, "sessionCode")

	run, err := s.store.GetRunByCode(r.Context(), sessionCode)
	if errors.Is(err, store.ErrNoRun) {
		respondError(w, r, KindBadSession, "unknown session code")
		return
	}
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	_, b64, err := s.issuer.QRImagePNG(run.SessionCode, 256)
	if err != nil {
		respondError(w, r, KindInternal, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"qr_code":    b64,
		"session_id": run.SessionCode,
	})
}

func (s *Server) handleQRValidate(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	sessionCode, err := s.issuer.VerifyQRToken(token)
	if err != nil {
		// Always 200: the endpoint answers "is this usable", it never fails.
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	if _, err := s.store.GetRunByCode(r.Context(), sessionCode); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"session_id": sessionCode,
	})
}

// parseRange reads the optional start_date/end_date query parameters.
// Absent bounds are open; malformed ones are client errors.
func (s *Server) parseRange(w http.ResponseWriter, r *http.Request) (start, end time.Time, ok bool) {
	start, end = rangeMin, rangeMax

	if v := r.URL.Query().Get("start_date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			respondError(w, r, KindInvalid, "start_date must be YYYY-MM-DD")
			return start, end, false
		}
		start = parsed
	}
	if v := r.URL.Query().Get("end_date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			respondError(w, r, KindInvalid, "end_date must be YYYY-MM-DD")
			return start, end, false
		}
		end = parsed
	}
	return start, end, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// respondStoreError maps store failures to Retryable or Internal.
func (s *Server) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrRetryable) {
		respondError(w, r, KindRetryable, "temporary failure, retry the request")
		return
	}
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Error().
		Err(err).
		Str("event", "api.store_error").
		Msg("unhandled store failure")
	respondError(w, r, KindInternal, "")
}
