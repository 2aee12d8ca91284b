// SPDX-License-Identifier: MIT

// Package registration implements the check-in hot path: resolving a code
// or QR token to a run, enforcing the one-attendance-per-runner rule and
// fanning the fresh tally out to dashboards.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runclub/attendanced/internal/bus"
	"github.com/runclub/attendanced/internal/log"
	"github.com/runclub/attendanced/internal/metrics"
	"github.com/runclub/attendanced/internal/store"
)

// MaxRunnerIDLen bounds the user-supplied runner identifier.
const MaxRunnerIDLen = 64

// Status discriminates registration outcomes.
type Status int

const (
	StatusOK Status = iota
	StatusAlreadyRegistered
	StatusBadSession
	StatusSessionClosed
	StatusInvalid
	StatusRetryable
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAlreadyRegistered:
		return "already_registered"
	case StatusBadSession:
		return "bad_session"
	case StatusSessionClosed:
		return "session_closed"
	case StatusInvalid:
		return "invalid"
	case StatusRetryable:
		return "retryable"
	case StatusInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Outcome is the engine's answer to one registration attempt. Count is
// the post-transaction tally, valid for StatusOK and
// StatusAlreadyRegistered. Reason is set for StatusInvalid.
type Outcome struct {
	Status   Status
	Count    int
	RunID    int64
	RunnerID string
	Reason   string
}

// TokenVerifier resolves signed QR tokens back to session codes.
type TokenVerifier interface {
	VerifyQRToken(token string) (string, error)
}

// Engine executes the registration flow against the store and publishes
// tally events after commit.
type Engine struct {
	store    store.Store
	verifier TokenVerifier
	bus      bus.Bus
	codeLen  int
	loc      *time.Location
	now      func() time.Time
}

func NewEngine(st store.Store, verifier TokenVerifier, b bus.Bus, codeLen int, loc *time.Location) *Engine {
	return &Engine{
		store:    st,
		verifier: verifier,
		bus:      b,
		codeLen:  codeLen,
		loc:      loc,
		now:      time.Now,
	}
}

// looksLikeToken reports whether the input is a signed QR token rather
// than a bare session code. Codes never contain '.' and are exactly the
// configured length; JWTs are dot-separated and much longer.
func (e *Engine) looksLikeToken(in string) bool {
	return len(in) > e.codeLen && strings.Contains(in, ".")
}

// Register performs one check-in attempt. codeOrToken is either a bare
// session code or a signed QR token; runnerID is the runner-supplied
// identity; clientTS is informational only, the server clock decides the
// registered_at value.
func (e *Engine) Register(ctx context.Context, codeOrToken, runnerID string, clientTS time.Time) Outcome {
	_ = clientTS

	runnerID = strings.TrimSpace(runnerID)
	if runnerID == "" {
		return e.done(Outcome{Status: StatusInvalid, Reason: "runner_id must not be empty"})
	}
	if len(runnerID) > MaxRunnerIDLen {
		return e.done(Outcome{Status: StatusInvalid, Reason: fmt.Sprintf("runner_id exceeds %d characters", MaxRunnerIDLen)})
	}

	sessionCode := strings.TrimSpace(codeOrToken)
	if sessionCode == "" {
		return e.done(Outcome{Status: StatusBadSession})
	}
	if e.looksLikeToken(sessionCode) {
		resolved, err := e.verifier.VerifyQRToken(sessionCode)
		if err != nil {
			// Expired and tampered tokens both present as an unusable
			// session to the caller.
			return e.done(Outcome{Status: StatusBadSession})
		}
		sessionCode = resolved
	}

	run, err := e.store.GetRunByCode(ctx, sessionCode)
	if errors.Is(err, store.ErrNoRun) {
		return e.done(Outcome{Status: StatusBadSession})
	}
	if err != nil {
		return e.storeFailure(ctx, err)
	}
	if !run.IsActive {
		return e.done(Outcome{Status: StatusSessionClosed, RunID: run.ID})
	}

	// A code only admits check-ins on its own day; yesterday's code must
	// not work today.
	today := store.DateOf(e.now(), e.loc)
	if !run.Date.Equal(today) {
		return e.done(Outcome{Status: StatusSessionClosed, RunID: run.ID})
	}

	res, err := e.store.Register(ctx, run.ID, runnerID, e.now().UTC())
	if err != nil {
		return e.storeFailure(ctx, err)
	}

	switch res.Status {
	case store.RegisterOK:
		e.publish(ctx, run.ID, res.Count, runnerID)
		return e.done(Outcome{Status: StatusOK, Count: res.Count, RunID: run.ID, RunnerID: runnerID})
	case store.RegisterDuplicate:
		return e.done(Outcome{Status: StatusAlreadyRegistered, Count: res.Count, RunID: run.ID, RunnerID: runnerID})
	case store.RegisterInactive:
		return e.done(Outcome{Status: StatusSessionClosed, RunID: run.ID})
	case store.RegisterNoSuchRun:
		return e.done(Outcome{Status: StatusBadSession})
	default:
		return e.done(Outcome{Status: StatusRetryable})
	}
}

// publish emits the post-commit tally. Failures degrade freshness, not
// correctness, so they are logged and swallowed.
func (e *Engine) publish(ctx context.Context, runID int64, count int, runnerID string) {
	now := e.now().UTC()
	events := []bus.Event{
		{Kind: bus.KindTallyUpdate, RunID: runID, Count: count, At: now},
		{Kind: bus.KindRegistrationSuccess, RunID: runID, Count: count, RunnerName: runnerID, At: now},
	}
	for _, ev := range events {
		if err := e.bus.Publish(ctx, bus.TopicTally, ev); err != nil {
			logger := log.WithComponentFromContext(ctx, "registration")
			logger.Warn().
				Err(err).
				Str("event", "registration.publish_failed").
				Int64("run_id", runID).
				Msg("tally event not published")
		}
	}
}

func (e *Engine) storeFailure(ctx context.Context, err error) Outcome {
	logger := log.WithComponentFromContext(ctx, "registration")
	if errors.Is(err, store.ErrRetryable) {
		logger.Warn().Err(err).Str("event", "registration.retryable").Msg("transient store failure")
		return e.done(Outcome{Status: StatusRetryable})
	}
	logger.Error().Err(err).Str("event", "registration.store_error").Msg("store failure")
	return e.done(Outcome{Status: StatusInternal})
}

func (e *Engine) done(o Outcome) Outcome {
	metrics.RegistrationsTotal.WithLabelValues(o.Status.String()).Inc()
	return o
}
