package importer

import (
	"sync"

	"github.com/nebulaperf/tracecore/pkg/xmetrics"
)

// memStorage is a minimal in-memory Storage: it accumulates emitted
// samples and ingestion stat counters for callers (tests, or a batch CLI
// run) that want the resolved event stream without standing up a real
// trace-processor sink.
type memStorage struct {
	mu           sync.Mutex
	samples      []ResolvedSample
	stats        map[string]int64
	indexedStats map[string]int64

	reg          *xmetrics.Registry
	statsGauge   *xmetrics.CounterVec
	indexedGauges map[string]*xmetrics.CounterVec
}

// NewMemStorage returns a Storage that buffers every emitted event in
// memory. reg publishes per-stat counters so a long batch import can be
// observed while it runs rather than only inspected after Samples
// returns.
func NewMemStorage(reg *xmetrics.Registry) *memStorage {
	return &memStorage{
		stats:         make(map[string]int64),
		indexedStats:  make(map[string]int64),
		reg:           reg,
		statsGauge:    reg.NewCounterVec("perf_importer_stat_total", "stat"),
		indexedGauges: make(map[string]*xmetrics.CounterVec),
	}
}

func (s *memStorage) EmitSample(sample ResolvedSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
}

func (s *memStorage) EmitThreadStateChange(ThreadID, TraceTimestamp, string) {
	// Thread state change events (COMM-triggered renames without a new
	// sample) are not modeled by memStorage's sample-only view; the
	// process tracker already records the rename for identity purposes.
}

func (s *memStorage) IncrementStat(name string, delta int64) {
	s.mu.Lock()
	s.stats[name] += delta
	s.mu.Unlock()
	if delta > 0 {
		s.statsGauge.WithLabelValue(name).Add(float64(delta))
	}
}

// IncrementIndexedStat increments the (name, key) breakdown of a stat,
// e.g. name="perf_unknown_record_type", key=hdr.Type.String().
func (s *memStorage) IncrementIndexedStat(name, key string, delta int64) {
	s.mu.Lock()
	s.indexedStats[name+"{"+key+"}"] += delta
	gauge, ok := s.indexedGauges[name]
	if !ok {
		gauge = s.reg.NewCounterVec(name, "key")
		s.indexedGauges[name] = gauge
	}
	s.mu.Unlock()
	if delta > 0 {
		gauge.WithLabelValue(key).Add(float64(delta))
	}
}

// IndexedStat returns the current value of one (name, key) stat
// breakdown.
func (s *memStorage) IndexedStat(name, key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexedStats[name+"{"+key+"}"]
}

// Samples returns every sample emitted so far, in emission order.
func (s *memStorage) Samples() []ResolvedSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResolvedSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Stat returns the current value of one named ingestion counter.
func (s *memStorage) Stat(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[name]
}
