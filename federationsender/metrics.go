package federationsender

import (
	"github.com/prometheus/client_golang/prometheus"
)

// sendQueueDepth is a single process-wide gauge over every destination's
// durable queue: items this process enqueued minus items it removed, as
// adjusted through observeSendQueueDepth. No test reads its value.
var sendQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "homeservercore",
	Subsystem: "federationsender",
	Name:      "queue_depth",
	Help:      "Number of PDUs and EDUs currently queued for outbound federation delivery.",
})

func init() {
	prometheus.MustRegister(sendQueueDepth)
}

// observeSendQueueDepth adjusts sendQueueDepth by delta. Positive deltas
// are enqueues, negative are successful sends removing items from a
// destination's queue.
func observeSendQueueDepth(delta float64) {
	sendQueueDepth.Add(delta)
}
