// Package metrics exposes lingerd's Prometheus metrics: per-operation
// counters for the core engine, executor/queue saturation gauges, and
// container-aware CPU/memory gauges. Package init registers every metric
// once; exported functions update them; Handler serves the promhttp
// exposition.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesAddedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingerd_messages_added_total",
		Help: "Total messages added directly to a channel via add_message",
	}, []string{"channel"})

	MessagesPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingerd_messages_published_total",
		Help: "Total messages fanned out to channels via publish_message",
	}, []string{"topic"})

	MessagesDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingerd_messages_delivered_total",
		Help: "Total message deliveries from get_message, including redeliveries",
	}, []string{"channel"})

	MessagesDeletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingerd_messages_deleted_total",
		Help: "Total messages removed via delete_message_from_id",
	}, []string{"channel"})

	MessagesExpiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingerd_messages_expired_total",
		Help: "Total messages purged by timer, by reason",
	}, []string{"channel", "reason"}) // reason: terminal_purge, linger_expiry

	MessagesDrainedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingerd_messages_drained_total",
		Help: "Total messages removed via drain_channel",
	}, []string{"channel"})

	GetMessageWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lingerd_get_message_wait_seconds",
		Help:    "Time a get_message call spent parked before resolving",
		Buckets: []float64{0, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	})

	ChannelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_channels_active",
		Help: "Current number of channels with at least one message, subscription, or parked waiter",
	})

	TopicsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_topics_active",
		Help: "Current number of topics with at least one subscription",
	})

	WaitersParked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_waiters_parked",
		Help: "Current number of long-poll get_message calls parked across all channels",
	})

	ExecutorQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_executor_queue_depth",
		Help: "Current number of tasks waiting in the engine executor's queue",
	})

	ExecutorQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_executor_queue_capacity",
		Help: "Maximum capacity of the engine executor's task queue",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingerd_http_requests_total",
		Help: "Total HTTP requests by route and status class",
	}, []string{"route", "status_class"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lingerd_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	KafkaMessagesIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lingerd_kafka_messages_ingested_total",
		Help: "Total messages ingested from Kafka and published",
	})

	KafkaMessagesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lingerd_kafka_messages_dropped_total",
		Help: "Total Kafka messages dropped due to backpressure",
	})

	KafkaConsumerConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_kafka_consumer_connected",
		Help: "Kafka ingestion bridge status (1=running, 0=stopped)",
	})

	SNSNotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingerd_sns_notifications_total",
		Help: "Total SNS notifications processed by type",
	}, []string{"type"}) // type: subscription_confirmation, notification

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_cpu_usage_percent",
		Help: "CPU usage as a percentage of the allocated (container or host) CPU",
	})

	CPUHostPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_cpu_host_percent",
		Help: "CPU usage as a percentage of total host CPUs, for reference",
	})

	CPUAllocationCores = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_cpu_allocation_cores",
		Help: "Number of CPU cores allocated to this process",
	})

	CPUThrottledSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lingerd_cpu_throttled_seconds_total",
		Help: "Total time this container's CPU was throttled by cgroup",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lingerd_goroutines_active",
		Help: "Current number of active goroutines",
	})

	AdmissionRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lingerd_admission_rejections_total",
		Help: "Total requests rejected by the resource guard, by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		MessagesAddedTotal,
		MessagesPublishedTotal,
		MessagesDeliveredTotal,
		MessagesDeletedTotal,
		MessagesExpiredTotal,
		MessagesDrainedTotal,
		GetMessageWaitSeconds,
		ChannelsActive,
		TopicsActive,
		WaitersParked,
		ExecutorQueueDepth,
		ExecutorQueueCapacity,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		KafkaMessagesIngestedTotal,
		KafkaMessagesDroppedTotal,
		KafkaConsumerConnected,
		SNSNotificationsTotal,
		CPUUsagePercent,
		CPUHostPercent,
		CPUAllocationCores,
		CPUThrottledSecondsTotal,
		MemoryUsageBytes,
		GoroutinesActive,
		AdmissionRejectionsTotal,
	)
}

// Handler returns the promhttp handler lingerd mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CollectRuntime samples Go runtime stats (memory, goroutines) into their
// gauges. Call periodically, e.g. from the resource guard's monitoring loop.
func CollectRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	MemoryUsageBytes.Set(float64(mem.Alloc))
	GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}

// ObserveHTTPRequest records one completed HTTP request.
func ObserveHTTPRequest(route string, statusClass string, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, statusClass).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}
