// Package stats wires the observability points named throughout the
// component design (overflow counters, "overwritten data with used handle",
// pruned-bytes, upload outcomes) to Prometheus, following the teacher's
// stats package pattern of one small Tracker struct per subsystem rather
// than a global metrics registry.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package stats

import "github.com/prometheus/client_golang/prometheus"

// Registry is a thin wrapper so callers that don't care about Prometheus
// (unit tests, the CLI scaffold) can pass a fresh, unregistered registry
// instead of prometheus.DefaultRegisterer.
type Registry struct {
	reg *prometheus.Registry
}

func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

func (r *Registry) counter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetedge",
		Name:      name,
		Help:      help,
	}, labels)
	r.reg.MustRegister(c)
	return c
}

func (r *Registry) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetedge",
		Name:      name,
		Help:      help,
	}, labels)
	r.reg.MustRegister(g)
	return g
}

// BufferStats tracks RawDataBuffer observability points (§4.1, §7).
type BufferStats struct {
	Received      *prometheus.CounterVec // by signal
	Evicted       *prometheus.CounterVec // by signal, tier={fifo,uploading}
	Overflow      prometheus.Counter     // NoCapacity returned to caller
	BytesInUse    prometheus.Gauge
	ReservedBytes prometheus.Gauge
}

func NewBufferStats(r *Registry) *BufferStats {
	return &BufferStats{
		Received:      r.counter("buffer_frames_received_total", "frames accepted by push", "signal"),
		Evicted:       r.counter("buffer_frames_evicted_total", "frames evicted", "signal", "tier"),
		Overflow:      r.counter("buffer_overflow_total", "push calls that returned NoCapacity").WithLabelValues(),
		BytesInUse:    r.gauge("buffer_bytes_in_use", "bytes currently held by frames").WithLabelValues(),
		ReservedBytes: r.gauge("buffer_bytes_reserved", "bytes reserved for empty signal buffers").WithLabelValues(),
	}
}

// StreamStats tracks StreamEngine observability points (§4.3).
type StreamStats struct {
	Appended    *prometheus.CounterVec // by campaign
	PrunedBytes *prometheus.CounterVec // by campaign, partition
	IOErrors    prometheus.Counter
}

func NewStreamStats(r *Registry) *StreamStats {
	return &StreamStats{
		Appended:    r.counter("stream_records_appended_total", "records appended", "campaign"),
		PrunedBytes: r.counter("stream_bytes_pruned_total", "bytes pruned by TTL", "campaign", "partition"),
		IOErrors:    r.counter("stream_io_errors_total", "stream I/O failures").WithLabelValues(),
	}
}

// UploadStats tracks S3Sender observability points (§4.4).
type UploadStats struct {
	Success      prometheus.Counter
	Retried      prometheus.Counter
	Failed       prometheus.Counter
	WrongInput   prometheus.Counter
	QueueDepth   prometheus.Gauge
	OngoingCount prometheus.Gauge
}

func NewUploadStats(r *Registry) *UploadStats {
	return &UploadStats{
		Success:      r.counter("upload_success_total", "uploads completed").WithLabelValues(),
		Retried:      r.counter("upload_retried_total", "uploads retried once").WithLabelValues(),
		Failed:       r.counter("upload_failed_total", "uploads that exhausted their retry budget").WithLabelValues(),
		WrongInput:   r.counter("upload_wrong_input_total", "builder returned null").WithLabelValues(),
		QueueDepth:   r.gauge("upload_queue_depth", "uploads waiting to start").WithLabelValues(),
		OngoingCount: r.gauge("upload_ongoing_count", "uploads currently in flight").WithLabelValues(),
	}
}

// PersistStats tracks the persistence workspace's checksum outcomes (§6.3,
// supplemented per SPEC_FULL.md §13).
type PersistStats struct {
	ChecksumMismatch prometheus.Counter
}

func NewPersistStats(r *Registry) *PersistStats {
	return &PersistStats{
		ChecksumMismatch: r.counter("persist_checksum_mismatch_total", "blobs discarded for a .sha1 mismatch").WithLabelValues(),
	}
}

// IngestStats tracks the bus-reader entrypoint's observability points (§6.1).
type IngestStats struct {
	Accepted  *prometheus.CounterVec // by interface
	Unknown   *prometheus.CounterVec // by interface: no decoder row, even after the extended-id mask fallback
	PushError *prometheus.CounterVec // by signal: RawDataBuffer.Push returned an error
}

func NewIngestStats(r *Registry) *IngestStats {
	return &IngestStats{
		Accepted:  r.counter("ingest_frames_accepted_total", "frames matched to a decoder row", "interface"),
		Unknown:   r.counter("ingest_frames_unknown_total", "frames with no decoder row, dropped silently", "interface"),
		PushError: r.counter("ingest_push_errors_total", "RawDataBuffer.Push failures", "signal"),
	}
}
