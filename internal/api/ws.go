// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runclub/attendanced/internal/api/middleware"
	"github.com/runclub/attendanced/internal/bus"
	"github.com/runclub/attendanced/internal/log"
	"github.com/runclub/attendanced/internal/metrics"
)

const (
	wsPingInterval  = 25 * time.Second
	wsIdleTimeout   = 60 * time.Second
	wsWriteDeadline = 2 * time.Second
)

// snapshotMessage is the first frame every subscriber receives, so late
// joiners render the correct tally immediately.
type snapshotMessage struct {
	Type        string `json:"type"`
	RunID       int64  `json:"run_id,omitempty"`
	Count       int    `json:"count"`
	SessionID   string `json:"session_id,omitempty"`
	HasRunToday bool   `json:"has_run_today"`
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	originAllowed := middleware.OriginAllowed(allowedOrigins)
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// No Origin header means a non-browser client; the same-origin
			// policy does not apply to it.
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originAllowed(origin)
		},
	}
}

// handleEvents serves the live tally stream. One bus subscription per
// connection; the subscription's drop-oldest buffer shields the publisher
// from slow clients, the write deadline shields this goroutine.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "ws")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("event", "ws.upgrade_failed").Msg("websocket upgrade failed")
		return
	}
	defer conn.Close() //nolint:errcheck

	sub, err := s.bus.Subscribe(r.Context(), bus.TopicTally)
	if err != nil {
		logger.Warn().Err(err).Str("event", "ws.subscribe_failed").Msg("bus subscribe failed")
		return
	}
	defer sub.Close()

	metrics.WebsocketClients.Inc()
	defer metrics.WebsocketClients.Dec()
	logger.Info().Str("event", "ws.connected").Str("remote", r.RemoteAddr).Msg("subscriber connected")

	if err := s.sendSnapshot(conn, r); err != nil {
		logger.Debug().Err(err).Str("event", "ws.snapshot_failed").Msg("snapshot send failed")
		return
	}

	// Reader goroutine: consumes control frames, refreshes the idle
	// deadline on pong, signals connection loss.
	readErr := make(chan error, 1)
	go func() {
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, open := <-sub.C():
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Str("event", "ws.write_failed").Msg("dropping subscriber")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readErr:
			logger.Info().Str("event", "ws.disconnected").Str("remote", r.RemoteAddr).Msg("subscriber disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) sendSnapshot(conn *websocket.Conn, r *http.Request) error {
	status, err := s.calendar.Today(r.Context())
	if err != nil {
		// A transient store failure should not reject the subscriber;
		// send an empty snapshot and let tally events catch it up.
		status.HasRun = false
	}

	msg := snapshotMessage{
		Type:        "snapshot",
		Count:       status.Count,
		HasRunToday: status.HasRun,
	}
	if status.HasRun {
		msg.RunID = status.RunID
		msg.SessionID = status.SessionCode
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return conn.WriteJSON(msg)
}
