// Package metrics — счётчики Prometheus для фоновых задач бота.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnbot_sweep_runs_total",
		Help: "Number of completed reconciliation sweeps.",
	})
	SweepKeysSuspended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnbot_sweep_keys_suspended_total",
		Help: "Keys suspended by the periodic sweep.",
	})
	SweepNotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnbot_sweep_notifications_sent_total",
		Help: "Threshold notifications dispatched by the sweep.",
	})
	SweepKeyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnbot_sweep_key_errors_total",
		Help: "Per-key errors caught and skipped during the sweep.",
	})
	PaymentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnbot_payments_completed_total",
		Help: "Payments transitioned to completed.",
	})
	ActivationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnbot_activation_retries_total",
		Help: "Retried VPN key activation attempts.",
	})
)
