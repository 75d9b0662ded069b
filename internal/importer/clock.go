package importer

import (
	"fmt"
	"sync"

	"github.com/nebulaperf/tracecore/internal/perf"
)

// identityClockTracker treats the recording's installed trace-time
// clock domain as the trace's own time domain: once installed, any
// event whose own clock domain matches translates as the identity.
// Non-goal per spec.md: multi-clock-domain trace merging, so a mismatch
// is a translation failure rather than an attempted reconciliation.
type identityClockTracker struct {
	mu        sync.Mutex
	domain    perf.ClockDomain
	installed bool
}

// NewClockTracker returns a ClockTracker with no trace-time clock
// installed yet.
func NewClockTracker() ClockTracker { return &identityClockTracker{} }

func (t *identityClockTracker) SetTraceTimeClock(domain perf.ClockDomain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.domain = domain
	t.installed = true
}

func (t *identityClockTracker) ToTraceTime(domain perf.ClockDomain, ns uint64) (TraceTimestamp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.installed {
		return 0, fmt.Errorf("perf: clock translation requested before a trace-time clock was installed")
	}
	if domain != t.domain {
		return 0, fmt.Errorf("perf: clock translation failed: trace uses %s, record's event uses %s", t.domain, domain)
	}
	return TraceTimestamp(ns), nil
}
