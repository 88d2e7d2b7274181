package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway-domain metrics: sessions, handovers, CDRs, DLM reservations, and
// the push engine's outstanding work, mirrored off the per-NF gauge/counter
// shape the teacher exposes for its own domain objects (registered UEs,
// PFCP associations, authentication attempts).
var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "magic_active_sessions",
			Help: "Number of sessions currently held in the session store",
		},
	)

	SessionAuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_session_auth_attempts_total",
			Help: "Total CAR authentication attempts",
		},
		[]string{"result"},
	)

	SessionHandovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_session_handovers_total",
			Help: "Total forced or policy-driven link handovers",
		},
		[]string{"reason"},
	)

	DLMReserveAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_dlm_reserve_attempts_total",
			Help: "Total DLM reservation attempts",
		},
		[]string{"dlm_id", "result"},
	)

	DLMReserveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magic_dlm_reserve_duration_seconds",
			Help:    "DLM reservation round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dlm_id"},
	)

	CDRsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "magic_cdrs_open",
			Help: "Number of currently open (un-archived) CDRs",
		},
	)

	CDRsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "magic_cdrs_archived_total",
			Help: "Total CDRs moved to the archive directory",
		},
	)

	CDRsSweptExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "magic_cdrs_swept_expired_total",
			Help: "Total archived CDRs deleted by the retention sweep",
		},
	)

	PushQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "magic_push_queue_depth",
			Help: "Sessions currently awaiting an MNTR acknowledgement",
		},
	)

	PushNotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_push_notifications_total",
			Help: "Total MNTR send decisions, labelled by whether storm suppression dropped them",
		},
		[]string{"suppressed"},
	)

	AircraftStateStale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "magic_aircraft_state_stale",
			Help: "1 if the aircraft-state feed is degraded/stale, else 0",
		},
	)
)

// SetActiveSessions sets the session-store gauge.
func SetActiveSessions(n int) { ActiveSessions.Set(float64(n)) }

// RecordSessionAuth records one CAR attempt outcome.
func RecordSessionAuth(result string) { SessionAuthAttempts.WithLabelValues(result).Inc() }

// RecordHandover records one handover with its triggering reason.
func RecordHandover(reason string) { SessionHandovers.WithLabelValues(reason).Inc() }

// RecordDLMReserve records one reservation attempt and its latency.
func RecordDLMReserve(dlmID, result string, seconds float64) {
	DLMReserveAttempts.WithLabelValues(dlmID, result).Inc()
	DLMReserveDuration.WithLabelValues(dlmID).Observe(seconds)
}

// SetCDRsOpen sets the open-CDR gauge.
func SetCDRsOpen(n int) { CDRsOpen.Set(float64(n)) }

// RecordCDRArchived increments the archived-CDR counter.
func RecordCDRArchived() { CDRsArchived.Inc() }

// RecordCDRsSweptExpired adds n to the expired-sweep counter.
func RecordCDRsSweptExpired(n int) { CDRsSweptExpired.Add(float64(n)) }

// SetPushQueueDepth sets the outstanding-ack gauge.
func SetPushQueueDepth(n int) { PushQueueDepth.Set(float64(n)) }

// RecordPushNotification records one NTR send decision.
func RecordPushNotification(suppressed bool) {
	label := "false"
	if suppressed {
		label = "true"
	}
	PushNotificationsSent.WithLabelValues(label).Inc()
}

// SetAircraftStateStale sets the degraded-feed gauge.
func SetAircraftStateStale(stale bool) {
	if stale {
		AircraftStateStale.Set(1)
	} else {
		AircraftStateStale.Set(0)
	}
}
