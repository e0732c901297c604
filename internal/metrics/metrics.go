// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesRead counts raw frames read from shard connections.
	FramesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_frames_read_total",
		Help: "Raw frames read from exchange stream connections.",
	})

	// FramesDropped counts frames dropped by the hand-off backpressure policy.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_frames_dropped_total",
		Help: "Raw frames dropped because the hand-off channel was saturated.",
	})

	// MalformedFrames counts unparseable frames skipped by the normalizer.
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_frames_malformed_total",
		Help: "Frames skipped because they could not be parsed.",
	})

	// CandlesProcessed counts closed-bar events emitted by the normalizer.
	CandlesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_candles_processed_total",
		Help: "Closed candles normalized into events.",
	})

	// AlertsMatched counts alert messages produced by the router.
	AlertsMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_alerts_matched_total",
		Help: "Alert messages produced by threshold matching.",
	})

	// AlertsDeduped counts matches suppressed by the dedup key.
	AlertsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_alerts_deduped_total",
		Help: "Alert matches suppressed as duplicates.",
	})

	// AlertsSent counts payloads delivered to the notification channel.
	AlertsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_alerts_sent_total",
		Help: "Alert payloads delivered successfully.",
	})

	// AlertsDropped counts alerts dropped after retry exhaustion or shedding.
	AlertsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_alerts_dropped_total",
		Help: "Alerts dropped, by reason.",
	}, []string{"reason"})

	// ReconnectsTotal counts shard reconnect attempts.
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_stream_reconnects_total",
		Help: "Shard reconnect attempts.",
	})

	// ShardState reports each shard's connection state (see stream.ShardState).
	ShardState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradebot_stream_shard_state",
		Help: "Connection state per shard (0 disconnected, 1 connecting, 2 subscribed, 3 degraded).",
	}, []string{"shard"})

	// StoreBufferDepth reports mutations waiting for an unreachable store.
	StoreBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradebot_store_buffer_depth",
		Help: "Preset mutations buffered while the store is unreachable.",
	})

	// QueueDepth reports the total dispatcher backlog across users.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradebot_dispatch_queue_depth",
		Help: "Queued alert messages across all user queues.",
	})
)
