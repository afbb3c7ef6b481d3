package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriberDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildlens_stream_dropped_events_total",
		Help: "Events dropped on full subscriber buffers.",
	})

	mirrorDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildlens_stream_mirror_dropped_events_total",
		Help: "Events dropped by the JetStream mirror queue.",
	})
)
