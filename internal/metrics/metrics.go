package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 服务端的 Prometheus 指标，由 /metrics 暴露
var (
	// Hub
	HubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canvas_hub_connections",
			Help: "Current number of WebSocket connections registered in the hub",
		},
	)

	HubRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canvas_hub_rooms",
			Help: "Current number of rooms with at least one local connection",
		},
	)

	HubEventsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_hub_events_relayed_total",
			Help: "Total number of room events relayed, by kind and origin",
		},
		[]string{"kind", "origin"}, // origin: "local", "remote"
	)

	HubMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_hub_messages_dropped_total",
			Help: "Total number of outgoing messages dropped because a client send queue was full",
		},
	)

	// Strokes
	StrokesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_strokes_appended_total",
			Help: "Total number of append requests, by result",
		},
		[]string{"result"}, // "created", "duplicate", "error"
	)

	RoomsCleared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_rooms_cleared_total",
			Help: "Total number of room clears",
		},
	)

	// Snapshots
	SnapshotRenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canvas_snapshot_render_duration_seconds",
			Help:    "Duration of server-side room renders in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotRenderErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_snapshot_render_errors_total",
			Help: "Total number of failed room renders",
		},
	)

	SnapshotCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_snapshot_cache_requests_total",
			Help: "Total number of snapshot cache lookups, by result",
		},
		[]string{"result"}, // "hit", "miss"
	)
)

// RecordRelay 记录一次房间事件转发
func RecordRelay(kind string, remote bool) {
	origin := "local"
	if remote {
		origin = "remote"
	}
	HubEventsRelayed.WithLabelValues(kind, origin).Inc()
}

// RecordAppend 记录一次笔画写入
func RecordAppend(created bool, err error) {
	switch {
	case err != nil:
		StrokesAppended.WithLabelValues("error").Inc()
	case created:
		StrokesAppended.WithLabelValues("created").Inc()
	default:
		StrokesAppended.WithLabelValues("duplicate").Inc()
	}
}

// RecordRender 记录一次快照渲染
func RecordRender(duration time.Duration, err error) {
	SnapshotRenderDuration.Observe(duration.Seconds())
	if err != nil {
		SnapshotRenderErrors.Inc()
	}
}

// RecordCacheLookup 记录一次快照缓存查询
func RecordCacheLookup(hit bool) {
	if hit {
		SnapshotCacheRequests.WithLabelValues("hit").Inc()
		return
	}
	SnapshotCacheRequests.WithLabelValues("miss").Inc()
}
