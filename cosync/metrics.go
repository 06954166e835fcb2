package cosync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set of raw Prometheus metrics.
// Labels
// * kind
// * priority
// * reason
var (
	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosync",
		Subsystem: "sync",
		Name:      "messages_sent_total",
		Help:      "The total number of sync messages sent to peers.",
	},
		[]string{"kind", "priority"},
	)
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosync",
		Subsystem: "sync",
		Name:      "messages_received_total",
		Help:      "The total number of sync messages received from peers.",
	},
		[]string{"kind", "priority"},
	)
	peersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cosync",
		Subsystem: "sync",
		Name:      "peers",
		Help:      "The current number of connected peers.",
	})
	uploadWaitSec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cosync",
		Subsystem: "sync",
		Name:      "upload_wait_duration_seconds",
		Help:      "Bucketed histogram of the time to wait for a peer to ack an upload.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	transactionsMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cosync",
		Subsystem: "core",
		Name:      "transactions_merged_total",
		Help:      "The total number of transactions appended to covalue logs.",
	})
	transactionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosync",
		Subsystem: "core",
		Name:      "transactions_rejected_total",
		Help:      "The total number of transactions rejected or dropped.",
	},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(peersConnected)
	prometheus.MustRegister(uploadWaitSec)
	prometheus.MustRegister(transactionsMerged)
	prometheus.MustRegister(transactionsRejected)
}

func reportMessageSent(message *SyncMessage) {
	messagesSent.WithLabelValues(message.Kind.String(), message.Priority().String()).Inc()
}

func reportMessageReceived(message *SyncMessage) {
	messagesReceived.WithLabelValues(message.Kind.String(), message.Priority().String()).Inc()
}

func reportPeerAdded() {
	peersConnected.Inc()
}

func reportPeerRemoved() {
	peersConnected.Dec()
}

func reportUploadWait(startTime time.Time) {
	uploadWaitSec.Observe(time.Since(startTime).Seconds())
}
