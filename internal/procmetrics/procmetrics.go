// Package procmetrics aggregates per-run processing metrics (stage
// timings, byte counters, throughput, checksums) and exposes them both as
// a plain value object and as a prometheus.Collector for external
// scraping, using an atomic-counter-plus-label-map pattern.
package procmetrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Labels is a sorted-key label set.
type Labels map[string]string

// Key returns a deterministic string key for the label set.
func (l Labels) Key() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+l[k])
	}
	return strings.Join(parts, ",")
}

// stageTiming accumulates wall-clock time spent in one stage.
type stageTiming struct {
	mu    sync.Mutex
	total time.Duration
	count int64
}

func (s *stageTiming) add(d time.Duration) {
	s.mu.Lock()
	s.total += d
	s.count++
	s.mu.Unlock()
}

func (s *stageTiming) snapshot() (time.Duration, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.count
}

// Aggregator accumulates metrics for a single process_file/restore
// invocation. It is safe for concurrent use by the orchestrator's worker
// pool, and implements prometheus.Collector so the whole-process total can
// be scraped while also returning a ProcessingMetrics snapshot to the
// caller that ran the pipeline.
type Aggregator struct {
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	chunksTotal  atomic.Int64
	errorsTotal  atomic.Int64

	mu           sync.RWMutex
	stageTimings map[string]*stageTiming
	checksums    map[string]string

	startedAt time.Time

	descBytesRead    *prometheus.Desc
	descBytesWritten *prometheus.Desc
	descChunksTotal  *prometheus.Desc
	descStageSeconds *prometheus.Desc
}

// New creates an empty aggregator, labeled by pipeline name for the
// exported prometheus series.
func New(pipelineName string) *Aggregator {
	constLabels := prometheus.Labels{"pipeline": pipelineName}
	return &Aggregator{
		stageTimings: make(map[string]*stageTiming),
		checksums:    make(map[string]string),
		startedAt:    time.Now(),
		descBytesRead: prometheus.NewDesc(
			"adapipe_bytes_read_total", "Bytes read from input files.", nil, constLabels),
		descBytesWritten: prometheus.NewDesc(
			"adapipe_bytes_written_total", "Bytes written to output files.", nil, constLabels),
		descChunksTotal: prometheus.NewDesc(
			"adapipe_chunks_processed_total", "Chunks processed.", nil, constLabels),
		descStageSeconds: prometheus.NewDesc(
			"adapipe_stage_seconds_total", "Cumulative wall-clock time spent per stage.", []string{"stage"}, constLabels),
	}
}

// RecordBytesRead adds n to the cumulative bytes-read counter.
func (a *Aggregator) RecordBytesRead(n int64) { a.bytesRead.Add(n) }

// RecordBytesWritten adds n to the cumulative bytes-written counter.
func (a *Aggregator) RecordBytesWritten(n int64) { a.bytesWritten.Add(n) }

// RecordChunk increments the processed-chunk counter.
func (a *Aggregator) RecordChunk() { a.chunksTotal.Add(1) }

// RecordError increments the error counter.
func (a *Aggregator) RecordError() { a.errorsTotal.Add(1) }

// RecordStageDuration attributes d to stage name.
func (a *Aggregator) RecordStageDuration(name string, d time.Duration) {
	a.mu.Lock()
	t, ok := a.stageTimings[name]
	if !ok {
		t = &stageTiming{}
		a.stageTimings[name] = t
	}
	a.mu.Unlock()
	t.add(d)
}

// RecordChecksum stores a named digest (e.g. "input_file_checksum"). The
// executor does not call it; its checksum stages publish their digests to
// the ProcessingContext instead.
func (a *Aggregator) RecordChecksum(name, hexDigest string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checksums[name] = hexDigest
}

// Checksum returns a previously recorded digest.
func (a *Aggregator) Checksum(name string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.checksums[name]
	return v, ok
}

// Snapshot is an immutable point-in-time view of a run's metrics, returned
// to the orchestrator's caller.
type Snapshot struct {
	BytesRead      int64
	BytesWritten   int64
	ChunksTotal    int64
	ErrorsTotal    int64
	Elapsed        time.Duration
	StageDurations map[string]time.Duration
	Checksums      map[string]string
}

// ThroughputBytesPerSecond computes read throughput over the elapsed
// duration so far.
func (s Snapshot) ThroughputBytesPerSecond() float64 {
	secs := s.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.BytesRead) / secs
}

// Snapshot returns a consistent copy of the aggregator's current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stageDurations := make(map[string]time.Duration, len(a.stageTimings))
	for name, t := range a.stageTimings {
		d, _ := t.snapshot()
		stageDurations[name] = d
	}
	checksums := make(map[string]string, len(a.checksums))
	for k, v := range a.checksums {
		checksums[k] = v
	}

	return Snapshot{
		BytesRead:      a.bytesRead.Load(),
		BytesWritten:   a.bytesWritten.Load(),
		ChunksTotal:    a.chunksTotal.Load(),
		ErrorsTotal:    a.errorsTotal.Load(),
		Elapsed:        time.Since(a.startedAt),
		StageDurations: stageDurations,
		Checksums:      checksums,
	}
}

// Describe implements prometheus.Collector.
func (a *Aggregator) Describe(ch chan<- *prometheus.Desc) {
	ch <- a.descBytesRead
	ch <- a.descBytesWritten
	ch <- a.descChunksTotal
	ch <- a.descStageSeconds
}

// Collect implements prometheus.Collector.
func (a *Aggregator) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(a.descBytesRead, prometheus.CounterValue, float64(a.bytesRead.Load()))
	ch <- prometheus.MustNewConstMetric(a.descBytesWritten, prometheus.CounterValue, float64(a.bytesWritten.Load()))
	ch <- prometheus.MustNewConstMetric(a.descChunksTotal, prometheus.CounterValue, float64(a.chunksTotal.Load()))

	a.mu.RLock()
	defer a.mu.RUnlock()
	for name, t := range a.stageTimings {
		total, _ := t.snapshot()
		ch <- prometheus.MustNewConstMetric(a.descStageSeconds, prometheus.CounterValue, total.Seconds(), name)
	}
}
