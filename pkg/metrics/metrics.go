package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	LiveEventsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_live_events_applied_total",
		Help: "Live feed events applied to in-memory state.",
	})
	LiveEventsDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_live_events_deduped_total",
		Help: "Live feed events dropped as duplicates (at-least-once delivery).",
	})
	LiveEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_live_events_dropped_total",
		Help: "Live feed events dropped because a subscriber buffer was full.",
	})

	UploadsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_uploads_accepted_total",
		Help: "Attachments validated, uploaded and resolved successfully.",
	})
	UploadsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_uploads_rejected_total",
		Help: "Attachments rejected by validation or failed during upload.",
	})

	HeartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_presence_heartbeats_total",
		Help: "Presence heartbeat upserts attempted.",
	})
	TypingSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_typing_signals_total",
		Help: "Typing start/stop signals emitted.",
	})
)

func Register() {
	prometheus.MustRegister(
		LiveEventsApplied, LiveEventsDeduped, LiveEventsDropped,
		UploadsAccepted, UploadsRejected,
		HeartbeatsSent, TypingSignals,
	)
}
