// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventBusClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiosk_event_bus_clients",
			Help: "Server-push clients currently connected to this instance",
		},
	)

	EventBusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiosk_event_bus_events_total",
			Help: "Events broadcast by the event bus",
		},
		[]string{"kind"},
	)

	EventBusDroppedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kiosk_event_bus_dropped_clients_total",
			Help: "Clients removed because their output queue was full",
		},
	)

	FanoutMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiosk_fanout_messages_total",
			Help: "Cross-instance messages by kind and direction",
		},
		[]string{"kind", "direction"},
	)

	LedgerEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiosk_ledger_entries_total",
			Help: "Ledger entries appended by source",
		},
		[]string{"source"},
	)

	NotificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiosk_notification_attempts_total",
			Help: "Notification delivery attempts by resulting status",
		},
		[]string{"status"},
	)

	NotificationLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiosk_notification_leader",
			Help: "1 while this instance holds the notification worker lock",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiosk_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveHTTP records one finished request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func SetLeader(leader bool) {
	if leader {
		NotificationLeader.Set(1)
		return
	}
	NotificationLeader.Set(0)
}
