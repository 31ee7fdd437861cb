package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the session server. Scraped from /metrics.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of attached sessions",
	})

	sessionsSuspended = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_sessions_suspended",
		Help: "Current number of suspended sessions awaiting reconnect",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connections_rejected_total",
		Help: "Upgrade requests rejected at admission, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	sessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_session_duration_seconds",
		Help:    "Session duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of frames sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of frames received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of payload bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of payload bytes received from clients",
	})

	frameSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_frame_size_bytes",
		Help:    "Distribution of inbound frame sizes",
		Buckets: []float64{64, 256, 1024, 4096, 16384, 32768, 65536},
	})

	protocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_protocol_errors_total",
		Help: "Frames rejected by the codec, by kind",
	}, []string{"kind"})

	// Heartbeat and quality metrics
	heartbeatLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_heartbeat_latency_ms",
		Help:    "Round-trip ping/pong latency in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	missedHeartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_missed_heartbeats_total",
		Help: "Heartbeat ticks with no pong since the previous tick",
	})

	degradedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_degraded_sessions",
		Help: "Sessions scoring below the configured quality threshold",
	})

	// Suspension buffer metrics
	bufferedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_buffered_messages_total",
		Help: "Outbound payloads buffered for suspended sessions",
	})

	bufferOverflowDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_buffer_overflow_drops_total",
		Help: "Buffered payloads dropped on suspension-buffer overflow",
	})

	replayedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_replayed_messages_total",
		Help: "Buffered payloads replayed to reconnecting sessions",
	})

	// Pool metrics
	poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_pool_size",
		Help: "Current number of pool entries",
	})

	poolHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_pool_hit_rate",
		Help: "Fraction of acquires served by an existing entry",
	})

	poolClosures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_pool_closures_total",
		Help: "Pool-initiated entry closures by reason",
	}, []string{"reason"})

	// Security metrics
	rateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_rate_limited_frames_total",
		Help: "Data frames dropped by the per-IP rate limiter",
	})

	dosFlaggedClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_dos_flagged_clients_total",
		Help: "Clients flagged by the DoS heuristic",
	})

	// Slow-client metrics
	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_slow_clients_disconnected_total",
		Help: "Connections closed after repeated send-queue overflow",
	})

	// Bridge metrics
	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_nats_connected",
		Help: "NATS bridge connectivity (1 connected, 0 not)",
	})

	bridgeMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bridge_messages_total",
		Help: "Messages fanned out from the NATS bridge",
	})

	droppedTasks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_worker_dropped_tasks_total",
		Help: "Bridge tasks dropped when the worker queue was full",
	})

	// System metrics
	systemCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_system_cpu_percent",
		Help: "Process host CPU usage percentage",
	})

	systemMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_system_memory_bytes",
		Help: "Process resident memory in bytes",
	})

	systemGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_system_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		sessionsSuspended,
		connectionsRejected,
		disconnectsTotal,
		sessionDuration,
		messagesSent,
		messagesReceived,
		bytesSent,
		bytesReceived,
		frameSize,
		protocolErrors,
		heartbeatLatency,
		missedHeartbeats,
		degradedSessions,
		bufferedMessages,
		bufferOverflowDrops,
		replayedMessages,
		poolSize,
		poolHitRate,
		poolClosures,
		rateLimitedFrames,
		dosFlaggedClients,
		slowClientsDisconnected,
		natsConnected,
		bridgeMessages,
		droppedTasks,
		systemCPUPercent,
		systemMemoryBytes,
		systemGoroutines,
	)
}

// Disconnect reasons, shared by metrics labels and disconnection events.
const (
	DisconnectReasonReadError         = "read_error"
	DisconnectReasonClientInitiated   = "client_initiated"
	DisconnectReasonServerShutdown    = "server_shutdown"
	DisconnectReasonSessionTimeout    = "session_timeout"
	DisconnectReasonConnectionQuality = "connection_quality"
	DisconnectReasonSlowClient        = "slow_client"
	DisconnectReasonForcedClose       = "forced_close"
)

// Who initiated a disconnect.
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// RecordConnection counts a successful upgrade.
func RecordConnection() {
	connectionsTotal.Inc()
}

// RecordRejection counts an admission rejection.
func RecordRejection(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordDisconnect categorizes a disconnect and observes session duration.
func RecordDisconnect(reason, initiatedBy string, duration time.Duration) {
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	sessionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// UpdateSessionGauges refreshes the attached/suspended gauges.
func UpdateSessionGauges(attached, suspended int) {
	connectionsActive.Set(float64(attached))
	sessionsSuspended.Set(float64(suspended))
}

// RecordInbound counts a received frame.
func RecordInbound(size int) {
	messagesReceived.Inc()
	bytesReceived.Add(float64(size))
	frameSize.Observe(float64(size))
}

// RecordOutbound counts a sent frame.
func RecordOutbound(size int) {
	messagesSent.Inc()
	bytesSent.Add(float64(size))
}

// RecordProtocolError counts a codec rejection by kind.
func RecordProtocolError(kind string) {
	protocolErrors.WithLabelValues(kind).Inc()
}

// RecordHeartbeatLatency observes one ping/pong round trip.
func RecordHeartbeatLatency(ms float64) {
	heartbeatLatency.Observe(ms)
}

// RecordMissedHeartbeat counts a tick with no pong.
func RecordMissedHeartbeat() {
	missedHeartbeats.Inc()
}

// SetDegradedSessions refreshes the below-threshold session gauge.
func SetDegradedSessions(n int) {
	degradedSessions.Set(float64(n))
}

// RecordBuffered counts a payload queued for a suspended session.
func RecordBuffered() {
	bufferedMessages.Inc()
}

// RecordOverflowDrops counts payloads evicted from a suspension buffer.
func RecordOverflowDrops(n int) {
	bufferOverflowDrops.Add(float64(n))
}

// RecordReplayed counts payloads replayed on reconnect.
func RecordReplayed(n int) {
	replayedMessages.Add(float64(n))
}

// UpdatePoolGauges refreshes pool size and hit rate.
func UpdatePoolGauges(size int, hitRate float64) {
	poolSize.Set(float64(size))
	poolHitRate.Set(hitRate)
}

// RecordPoolClosure counts a pool-initiated entry closure.
func RecordPoolClosure(reason string) {
	poolClosures.WithLabelValues(reason).Inc()
}

// RecordRateLimited counts a frame dropped by the rate limiter.
func RecordRateLimited() {
	rateLimitedFrames.Inc()
}

// RecordDoSFlagged counts a client flagged by the DoS heuristic.
func RecordDoSFlagged() {
	dosFlaggedClients.Inc()
}

// RecordSlowClientDisconnect counts a strike-policy closure.
func RecordSlowClientDisconnect() {
	slowClientsDisconnected.Inc()
}

// SetNATSConnected flips the bridge connectivity gauge.
func SetNATSConnected(connected bool) {
	if connected {
		natsConnected.Set(1)
	} else {
		natsConnected.Set(0)
	}
}

// RecordBridgeMessage counts one bridge fan-out.
func RecordBridgeMessage() {
	bridgeMessages.Inc()
}

// RecordDroppedTask counts a worker-pool rejection.
func RecordDroppedTask() {
	droppedTasks.Inc()
}

// UpdateSystemGauges refreshes the sampled resource gauges.
func UpdateSystemGauges(cpuPercent float64, memoryBytes uint64, goroutines int) {
	systemCPUPercent.Set(cpuPercent)
	systemMemoryBytes.Set(float64(memoryBytes))
	systemGoroutines.Set(float64(goroutines))
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
