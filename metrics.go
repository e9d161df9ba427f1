package orbit

import "github.com/prometheus/client_golang/prometheus"

var (
	metricReconnectsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbit_reconnects_scheduled_total",
		Help: "Total reconnect attempts scheduled after abnormal disconnects.",
	})

	metricActionsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbit_queue_enqueued_total",
		Help: "Total actions written to the offline queue.",
	})
	metricActionsReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbit_queue_replayed_total",
		Help: "Total queued actions acknowledged by the server during drain.",
	})
	metricActionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbit_queue_failed_total",
		Help: "Total drain attempts that left an action in the queue.",
	})

	metricEventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orbit_events_received_total",
		Help: "Total inbound transport events by type.",
	}, []string{"type"})
)

// RegisterMetrics registers the client's collectors with reg. Collectors
// update whether or not they are registered, so calling this is optional.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		metricReconnectsScheduled,
		metricActionsEnqueued, metricActionsReplayed, metricActionsFailed,
		metricEventsReceived,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
