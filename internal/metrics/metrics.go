// Package metrics exposes the prometheus collectors shared by the live path
// and the transcript pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diarization_frames_observed_total",
		Help: "Audio frames attributed to a voice profile",
	})

	FramesSilent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diarization_frames_silent_total",
		Help: "Audio frames skipped as silence",
	})

	FramesAmbiguous = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diarization_frames_ambiguous_total",
		Help: "Frames that matched two or more profiles within the ambiguity margin",
	})

	ProfilesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diarization_profiles_active",
		Help: "Voice profiles currently listed (merged profiles excluded)",
	})

	SpeakerMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diarization_merges_total",
		Help: "Speaker merge operations",
	})

	SegmentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assembler_segments_ingested_total",
		Help: "Recognizer segments ingested by the assembler",
	}, []string{"kind"})

	BlocksClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assembler_blocks_closed_total",
		Help: "Speaker-turn blocks closed",
	})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_runs_active",
		Help: "Transcript generation runs in flight",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Transcript generation runs by outcome",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-stage wall time",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	Degradations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_degradations_total",
		Help: "External calls that fell back to local processing",
	}, []string{"kind"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_sessions_active",
		Help: "Live capture sessions running",
	})

	StreamClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "api_stream_clients",
		Help: "Connected websocket clients",
	}, []string{"stream"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})
)
