// Package metrics defines all custom Prometheus metrics for the session
// subsystem. It is the single source of truth for metric names, labels,
// and help strings; promauto registers everything with the default
// registry at package load.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "session"

// LoginsTotal counts login attempts.
// Label:
//   - result: "success" or "failure"
var LoginsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Total number of login attempts, by result.",
	},
	[]string{"result"},
)

// LogoutsTotal counts session teardowns.
// Label:
//   - trigger: "manual", "forced", "downgrade", "token_invalid", "broadcast"
var LogoutsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logouts_total",
		Help:      "Total number of logouts, by trigger.",
	},
	[]string{"trigger"},
)

// RoleTransitionsTotal counts detected role changes.
// Labels:
//   - class: "upgrade", "downgrade", "lateral"
//   - source: "push" (realtime event) or "poll" (background loop)
var RoleTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "role_transitions_total",
		Help:      "Total number of detected role transitions, by class and detection source.",
	},
	[]string{"class", "source"},
)

// PollChecksTotal counts background reconciliation ticks.
// Label:
//   - result: "unchanged", "applied", "logout", "skipped_hidden",
//     "skipped_inflight", "error"
var PollChecksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_checks_total",
		Help:      "Total number of background role reconciliation ticks, by outcome.",
	},
	[]string{"result"},
)

// RealtimeReconnectsTotal counts reconnect attempts of the push channel.
var RealtimeReconnectsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_reconnects_total",
		Help:      "Total number of realtime channel reconnect attempts.",
	},
)

// BroadcastsTotal counts cross-instance logout announcements.
// Labels:
//   - transport: "redis" or "sentinel"
//   - direction: "sent" or "received"
var BroadcastsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Total number of cross-instance logout broadcasts, by transport and direction.",
	},
	[]string{"transport", "direction"},
)
