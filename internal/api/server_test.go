// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/runclub/attendanced/internal/bus"
	"github.com/runclub/attendanced/internal/calendar"
	"github.com/runclub/attendanced/internal/code"
	"github.com/runclub/attendanced/internal/config"
	"github.com/runclub/attendanced/internal/override"
	"github.com/runclub/attendanced/internal/registration"
	"github.com/runclub/attendanced/internal/store"
)

const (
	testAdminSecret = "test-admin-secret"
	testSigningKey  = "test-signing-key-0123456789abcdef"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:          ":0",
		DatabaseURL:         "memory",
		SigningKey:          []byte(testSigningKey),
		AdminSecret:         testAdminSecret,
		PublicBaseURL:       "http://localhost:8080",
		RateLimitRPS:        1000, // effectively off unless a test lowers it
		RateLimitBurst:      1000,
		QRTokenTTL:          24 * time.Hour,
		SessionCodeAlphabet: config.DefaultSessionCodeAlphabet,
		SessionCodeLen:      5,
		TimeZone:            time.UTC,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *store.Memory, *code.Issuer) {
	t.Helper()

	st := store.NewMemory()
	issuer := code.NewIssuer(code.Config{
		Alphabet: cfg.SessionCodeAlphabet,
		Len:      cfg.SessionCodeLen,
		Key:      cfg.SigningKey,
		TTL:      cfg.QRTokenTTL,
		BaseURL:  cfg.PublicBaseURL,
	})
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	cal := calendar.NewManager(st, issuer, cfg.TimeZone)
	engine := registration.NewEngine(st, issuer, b, cfg.SessionCodeLen, cfg.TimeZone)
	overrides := override.NewService(st, issuer, b, cfg.TimeZone)

	return NewServer(cfg, Deps{
		Store:    st,
		Calendar: cal,
		Engine:   engine,
		Issuer:   issuer,
		Bus:      b,
		Override: overrides,
	}), st, issuer
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Secret": testAdminSecret}
}

func todayStr() string {
	return store.DateString(store.DateOf(time.Now(), time.UTC))
}

func configureToday(t *testing.T, s *Server) string {
	t.Helper()
	rec, body := doJSON(t, s, http.MethodPost, "/api/calendar/configure",
		map[string]any{"date": todayStr(), "has_run": true}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	sessionCode, _ := body["session_code"].(string)
	require.Len(t, sessionCode, 5)
	return sessionCode
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	rec, body := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
}

func TestHappyPathRegistration(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	sessionCode := configureToday(t, s)

	rec, body := doJSON(t, s, http.MethodPost, "/api/register",
		map[string]any{"session_id": sessionCode, "runner_name": "12345678"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.EqualValues(t, 1, body["current_count"])
	require.Equal(t, "12345678", body["runner_name"])

	rec, body = doJSON(t, s, http.MethodGet, "/api/attendance/today", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, body["count"])
	require.Equal(t, true, body["has_run_today"])
	require.Equal(t, sessionCode, body["session_id"])
}

func TestDuplicateRegistration(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	sessionCode := configureToday(t, s)

	reqBody := map[string]any{"session_id": sessionCode, "runner_name": "runner-1"}
	rec, _ := doJSON(t, s, http.MethodPost, "/api/register", reqBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, s, http.MethodPost, "/api/register", reqBody, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, false, body["success"])
	require.Equal(t, KindAlreadyRegistered, body["error"])
	require.EqualValues(t, 1, body["current_count"])
}

func TestRegisterOnClosedDay(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	sessionCode := configureToday(t, s)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/calendar/configure",
		map[string]any{"date": todayStr(), "has_run": false}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, s, http.MethodPost, "/api/register",
		map[string]any{"session_id": sessionCode, "runner_name": "runner-1"}, nil)
	require.Equal(t, http.StatusGone, rec.Code)
	require.Equal(t, KindSessionClosed, body["error"])
}

func TestRegisterBadCode(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	configureToday(t, s)

	rec, body := doJSON(t, s, http.MethodPost, "/api/register",
		map[string]any{"session_id": "ZZZZZ", "runner_name": "runner-1"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, KindBadSession, body["error"])
}

func TestRegisterMalformedBody(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), KindMalformed)
}

func TestRegisterInvalidRunnerName(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	sessionCode := configureToday(t, s)

	rec, body := doJSON(t, s, http.MethodPost, "/api/register",
		map[string]any{"session_id": sessionCode, "runner_name": "   "}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, KindInvalid, body["error"])
}

func TestRegisterRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 2
	s, _, _ := newTestServer(t, cfg)
	sessionCode := configureToday(t, s)

	var limited bool
	for i := 0; i < 5; i++ {
		rec, body := doJSON(t, s, http.MethodPost, "/api/register",
			map[string]any{"session_id": sessionCode, "runner_name": fmt.Sprintf("runner-%d", i)}, nil)
		if rec.Code == http.StatusTooManyRequests {
			require.Equal(t, KindRateLimited, body["error"])
			limited = true
			break
		}
	}
	require.True(t, limited, "bucket never rejected despite burst exhaustion")
}

func TestAdminEndpointRequiresSecret(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	payload := map[string]any{"date": todayStr(), "has_run": true}

	rec, body := doJSON(t, s, http.MethodPost, "/api/calendar/configure", payload, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, KindUnauthorized, body["error"])

	rec, _ = doJSON(t, s, http.MethodPost, "/api/calendar/configure", payload,
		map[string]string{"X-Admin-Secret": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, s, http.MethodPost, "/api/calendar/configure", payload,
		map[string]string{"Authorization": "Bearer " + testAdminSecret})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCalendarMonthView(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	sessionCode := configureToday(t, s)

	_, _ = doJSON(t, s, http.MethodPost, "/api/register",
		map[string]any{"session_id": sessionCode, "runner_name": "runner-1"}, nil)

	month := time.Now().UTC().Format("2006-01")
	rec, body := doJSON(t, s, http.MethodGet, "/api/calendar?month="+month, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
	day := data[0].(map[string]any)
	require.Equal(t, todayStr(), day["date"])
	require.Equal(t, true, day["has_run"])
	require.EqualValues(t, 1, day["attendance_count"])
	require.Equal(t, sessionCode, day["session_code"])

	rec, body = doJSON(t, s, http.MethodGet, "/api/calendar?month=March", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, KindInvalid, body["error"])
}

func TestCalendarToday(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	rec, body := doJSON(t, s, http.MethodGet, "/api/calendar/today", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["has_run"])
	require.EqualValues(t, 0, body["attendance_count"])

	sessionCode := configureToday(t, s)
	rec, body = doJSON(t, s, http.MethodGet, "/api/calendar/today", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["has_run"])
	require.Equal(t, sessionCode, body["session_code"])
}

func TestAttendanceHistory(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	sessionCode := configureToday(t, s)

	for i := 0; i < 3; i++ {
		rec, _ := doJSON(t, s, http.MethodPost, "/api/register",
			map[string]any{"session_id": sessionCode, "runner_name": fmt.Sprintf("runner-%d", i)}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, body := doJSON(t, s, http.MethodGet, "/api/attendance/history?page=1&page_size=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, body["total_count"])
	require.EqualValues(t, 2, body["page_size"])
	require.EqualValues(t, 2, body["total_pages"])
	require.Len(t, body["data"].([]any), 2)

	// Bad date format is a client error.
	rec, body = doJSON(t, s, http.MethodGet, "/api/attendance/history?start_date=2026/01/01", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, KindInvalid, body["error"])

	// Out-of-range pagination clamps instead of failing.
	rec, body = doJSON(t, s, http.MethodGet, "/api/attendance/history?page=-3&page_size=99999", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, body["page"])
	require.EqualValues(t, 50, body["page_size"])
}

func TestAttendanceExport(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	sessionCode := configureToday(t, s)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/register",
		map[string]any{"session_id": sessionCode, "runner_name": "runner-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/attendance/export", nil)
	out := httptest.NewRecorder()
	s.ServeHTTP(out, req)

	require.Equal(t, http.StatusOK, out.Code)
	require.Contains(t, out.Header().Get("Content-Type"), "text/csv")
	require.Contains(t, out.Header().Get("Content-Disposition"), "attendance_export_")
	require.True(t, strings.HasPrefix(out.Body.String(), "id,run_date,runner_id,registered_at,session_code\r\n"))
	require.Contains(t, out.Body.String(), "runner-1")
}

func TestQRImageAndValidate(t *testing.T) {
	s, _, issuer := newTestServer(t, testConfig())
	sessionCode := configureToday(t, s)

	rec, body := doJSON(t, s, http.MethodGet, "/api/qr/"+sessionCode, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, body["qr_code"])
	require.Equal(t, sessionCode, body["session_id"])

	rec, body = doJSON(t, s, http.MethodGet, "/api/qr/ZZZZZ", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, KindBadSession, body["error"])

	token, err := issuer.MintQRToken(sessionCode)
	require.NoError(t, err)

	rec, body = doJSON(t, s, http.MethodGet, "/api/qr/validate/"+token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["valid"])
	require.Equal(t, sessionCode, body["session_id"])

	rec, body = doJSON(t, s, http.MethodGet, "/api/qr/validate/garbage", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["valid"])
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	srv := httptest.NewServer(s)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"

	// Same default allowlist as the CORS middleware: a foreign browser
	// origin must not upgrade.
	headers := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, headers)
	require.Error(t, err)
	require.Nil(t, conn)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	headers = http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, headers)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestEventStreamBroadcast(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	sessionCode := configureToday(t, s)

	srv := httptest.NewServer(s)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"

	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}
	readFrame := func(conn *websocket.Conn) map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	sub1 := dial()
	sub2 := dial()

	for _, conn := range []*websocket.Conn{sub1, sub2} {
		snap := readFrame(conn)
		require.Equal(t, "snapshot", snap["type"])
		require.Equal(t, true, snap["has_run_today"])
		require.EqualValues(t, 0, snap["count"])
		require.Equal(t, sessionCode, snap["session_id"])
	}

	for i := 1; i <= 3; i++ {
		rec, _ := doJSON(t, s, http.MethodPost, "/api/register",
			map[string]any{"session_id": sessionCode, "runner_name": fmt.Sprintf("runner-%d", i)}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// Each commit produces a tally_update and a registration_success;
	// successes carry counts 1,2,3 in order with no gaps or repeats.
	for _, conn := range []*websocket.Conn{sub1, sub2} {
		var successCounts []int
		for len(successCounts) < 3 {
			msg := readFrame(conn)
			switch msg["type"] {
			case bus.KindRegistrationSuccess:
				successCounts = append(successCounts, int(msg["count"].(float64)))
				require.NotEmpty(t, msg["runner_name"])
			case bus.KindTallyUpdate:
				// interleaved, same monotonic counts
			default:
				t.Fatalf("unexpected frame type %v", msg["type"])
			}
		}
		require.Equal(t, []int{1, 2, 3}, successCounts)
	}
}

func TestOverrideRequiresAdmin(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	rec, body := doJSON(t, s, http.MethodPost, "/api/attendance/override/add",
		map[string]any{"runner_name": "alice", "run_date": todayStr()}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Unauthorized", body["error"])
}

func TestOverrideAddAndGet(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	rec, body := doJSON(t, s, http.MethodPost, "/api/attendance/override/add",
		map[string]any{"runner_name": "alice", "run_date": "2026-03-14"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Equal(t, "2026-03-14", body["run_date"])
	require.Len(t, body["session_code"].(string), 5)

	att := body["attendance"].(map[string]any)
	id := int64(att["id"].(float64))
	require.Equal(t, "alice", att["runner_id"])

	rec, body = doJSON(t, s, http.MethodGet,
		fmt.Sprintf("/api/attendance/override/%d", id), nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	got := body["attendance"].(map[string]any)
	require.Equal(t, "alice", got["runner_id"])
}

func TestOverrideAddDuplicateConflicts(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	payload := map[string]any{"runner_name": "alice", "run_date": "2026-03-14"}
	rec, _ := doJSON(t, s, http.MethodPost, "/api/attendance/override/add", payload, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, s, http.MethodPost, "/api/attendance/override/add", payload, adminHeaders())
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "AlreadyRegistered", body["error"])
}

func TestOverrideEditAndRemove(t *testing.T) {
	s, st, _ := newTestServer(t, testConfig())

	_, body := doJSON(t, s, http.MethodPost, "/api/attendance/override/add",
		map[string]any{"runner_name": "alice", "run_date": "2026-03-14"}, adminHeaders())
	att := body["attendance"].(map[string]any)
	id := int64(att["id"].(float64))
	runID := int64(att["run_id"].(float64))

	rec, body := doJSON(t, s, http.MethodPut,
		fmt.Sprintf("/api/attendance/override/%d", id),
		map[string]any{"runner_name": "alice-corrected"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	edited := body["attendance"].(map[string]any)
	require.Equal(t, "alice-corrected", edited["runner_id"])

	rec, _ = doJSON(t, s, http.MethodDelete,
		fmt.Sprintf("/api/attendance/override/%d", id), nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	count, err := st.CountForRun(context.Background(), runID)
	require.NoError(t, err)
	require.Zero(t, count)

	rec, body = doJSON(t, s, http.MethodDelete,
		fmt.Sprintf("/api/attendance/override/%d", id), nil, adminHeaders())
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "BadSession", body["error"])
}

func TestOverrideValidation(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	rec, body := doJSON(t, s, http.MethodPost, "/api/attendance/override/add",
		map[string]any{"runner_name": "alice", "run_date": "14.03.2026"}, adminHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Malformed", body["error"])

	rec, body = doJSON(t, s, http.MethodPost, "/api/attendance/override/add",
		map[string]any{"runner_name": "   ", "run_date": "2026-03-14"}, adminHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Invalid", body["error"])

	rec, body = doJSON(t, s, http.MethodGet, "/api/attendance/override/nope", nil, adminHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Invalid", body["error"])
}

func TestOverrideBulk(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	rec, body := doJSON(t, s, http.MethodPost, "/api/attendance/override/bulk",
		map[string]any{"operations": []map[string]any{
			{"action": "add", "runner_name": "alice", "run_date": "2026-03-14"},
			{"action": "add", "runner_name": "bob", "run_date": "2026-03-14"},
			{"action": "add", "runner_name": "alice", "run_date": "2026-03-14"},
			{"action": "remove", "attendance_id": 9999},
		}}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["success"])
	require.Equal(t, float64(2), body["succeeded"])
	require.Equal(t, float64(2), body["failed"])

	results := body["results"].([]any)
	require.Len(t, results, 4)
	first := results[0].(map[string]any)
	require.Equal(t, true, first["success"])
	third := results[2].(map[string]any)
	require.Equal(t, false, third["success"])
	require.Contains(t, third["message"], "already exists")
}
