package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 进程级指标注册表（与配置一样是仅有的全局态）
var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_gateway_connections_active",
		Help: "Current live client connections on this gateway.",
	})

	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_frames_in_total",
		Help: "Inbound frames by command.",
	}, []string{"cmd"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_frames_dropped_total",
		Help: "Inbound frames dropped by the per-user rate limiter.",
	})

	SubmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_orchestrator_submit_total",
		Help: "Submit outcomes.",
	}, []string{"result"}) // ok / rejected / unavailable / duplicate

	DedupeHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_orchestrator_dedupe_hits_total",
		Help: "Client msg id dedupe hits.",
	})

	HookTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_orchestrator_hook_timeouts_total",
		Help: "Pre-send hook timeouts by policy outcome.",
	}, []string{"policy"}) // open / closed

	WALPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_orchestrator_wal_pending",
		Help: "WAL entries awaiting publish.",
	})

	StorageDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_store_duplicates_total",
		Help: "Already-persisted messages dropped by the storage writer.",
	})

	StorageGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_store_seq_gaps_total",
		Help: "Sequence gaps that survived the parking window.",
	})

	PushDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_push_dispatched_total",
		Help: "Push tasks by outcome.",
	}, []string{"outcome"}) // ok / failed / retried / dead_letter

	PushSuppressedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_push_suppressed_offline_total",
		Help: "Pushes suppressed because require_online was set and the user was offline.",
	})

	PresenceCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_presence_cache_total",
		Help: "Presence cache lookups.",
	}, []string{"kind"}) // hit / negative_hit / miss

	AckTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_push_acks_inflight",
		Help: "Push acks currently awaited.",
	})
)
