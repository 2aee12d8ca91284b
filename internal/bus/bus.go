// SPDX-License-Identifier: MIT

// Package bus is the in-process pub/sub fabric between the registration
// engine and the live dashboards. Delivery is best-effort per subscriber:
// a slow consumer loses its oldest pending events, never the publisher's
// time.
package bus

import (
	"context"
	"time"
)

// TopicTally is the single topic all dashboards subscribe to; payloads
// are tagged by run ID.
const TopicTally = "tally"

// Event kinds carried on the tally topic.
const (
	KindTallyUpdate         = "tally_update"
	KindRegistrationSuccess = "registration_success"
)

// Event is one dashboard-facing occurrence. Count is the authoritative
// tally read in the same transaction as the write that caused the event,
// so the latest event always supersedes earlier ones.
type Event struct {
	Kind       string    `json:"type"`
	RunID      int64     `json:"run_id"`
	Count      int       `json:"count"`
	RunnerName string    `json:"runner_name,omitempty"`
	At         time.Time `json:"-"`
}

// Subscription is one subscriber's receive side. Close is idempotent and
// detaches from the bus; C is closed afterwards.
type Subscription interface {
	C() <-chan Event
	Close()
}

// Bus fans events out to topic subscribers. Publish never blocks on slow
// subscribers.
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}
