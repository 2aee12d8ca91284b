// SPDX-License-Identifier: MIT

// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendanced_registrations_total",
		Help: "Registration attempts by outcome",
	}, []string{"outcome"})

	RunsMaterializedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendanced_runs_materialized_total",
		Help: "Runs created through calendar configuration",
	})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attendanced_websocket_clients",
		Help: "Currently connected event stream subscribers",
	})

	RateLimitExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendanced_ratelimit_exceeded_total",
		Help: "Total rate limit rejections",
	}, []string{"limit_type"})

	ExportRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendanced_export_rows_total",
		Help: "Attendance rows streamed through CSV export",
	})
)
