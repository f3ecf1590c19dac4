package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const peerdialNamespace string = "peerdial"

var (
	initialized atomic.Bool

	promJoinCounter     *prometheus.CounterVec
	promRoomCurrent     prometheus.Gauge
	promClientCurrent   prometheus.Gauge
	promChannelCurrent  prometheus.Gauge
	promRelayedMessages prometheus.Counter

	promDescriptions     *prometheus.CounterVec
	promCandidates       *prometheus.CounterVec
	promNegotiationError prometheus.Counter

	promCallCurrent  prometheus.Gauge
	promCallDuration prometheus.Histogram
	promConnectTime  prometheus.Histogram
)

func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	constLabels := prometheus.Labels{"node_id": nodeID}

	promJoinCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   peerdialNamespace,
			Subsystem:   "room",
			Name:        "joins",
			ConstLabels: constLabels,
		},
		[]string{"result"},
	)
	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "room",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promClientCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "client",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promChannelCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "channel",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promRelayedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "channel",
		Name:        "relayed_messages",
		ConstLabels: constLabels,
	})

	promDescriptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   peerdialNamespace,
			Subsystem:   "negotiation",
			Name:        "descriptions",
			ConstLabels: constLabels,
		},
		[]string{"type", "direction"},
	)
	promCandidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   peerdialNamespace,
			Subsystem:   "negotiation",
			Name:        "candidates",
			ConstLabels: constLabels,
		},
		[]string{"direction"},
	)
	promNegotiationError = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "negotiation",
		Name:        "errors",
		ConstLabels: constLabels,
	})

	promCallCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "call",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "call",
		Name:        "duration_seconds",
		ConstLabels: constLabels,
		Buckets: []float64{
			5, 10, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60,
		},
	})
	promConnectTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "call",
		Name:        "connect_time_ms",
		ConstLabels: constLabels,
		Buckets:     prometheus.ExponentialBucketsRange(100, 10000, 15),
	})

	prometheus.MustRegister(promJoinCounter)
	prometheus.MustRegister(promRoomCurrent)
	prometheus.MustRegister(promClientCurrent)
	prometheus.MustRegister(promChannelCurrent)
	prometheus.MustRegister(promRelayedMessages)
	prometheus.MustRegister(promDescriptions)
	prometheus.MustRegister(promCandidates)
	prometheus.MustRegister(promNegotiationError)
	prometheus.MustRegister(promCallCurrent)
	prometheus.MustRegister(promCallDuration)
	prometheus.MustRegister(promConnectTime)

	initNodeStats(constLabels)
}

func RecordJoin(result string) {
	promJoinCounter.WithLabelValues(result).Inc()
}

func SetRoomCounts(rooms, clients int) {
	promRoomCurrent.Set(float64(rooms))
	promClientCurrent.Set(float64(clients))
}

func ChannelRegistered() {
	promChannelCurrent.Add(1)
}

func ChannelClosed() {
	promChannelCurrent.Sub(1)
}

func MessageRelayed() {
	promRelayedMessages.Inc()
}

func DescriptionSent(sdpType string) {
	promDescriptions.WithLabelValues(sdpType, "sent").Inc()
}

func DescriptionReceived(sdpType string) {
	promDescriptions.WithLabelValues(sdpType, "received").Inc()
}

func CandidateSent() {
	promCandidates.WithLabelValues("sent").Inc()
}

func CandidateReceived() {
	promCandidates.WithLabelValues("received").Inc()
}

func NegotiationError() {
	promNegotiationError.Inc()
}

func CallStarted() {
	promCallCurrent.Add(1)
}

func CallEnded(startedAt time.Time) {
	if !startedAt.IsZero() {
		promCallDuration.Observe(float64(time.Since(startedAt)) / float64(time.Second))
	}
	promCallCurrent.Sub(1)
}

func RecordConnectTime(d time.Duration) {
	promConnectTime.Observe(float64(d.Milliseconds()))
}
