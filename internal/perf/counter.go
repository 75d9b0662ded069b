package perf

// PerfCounter tracks the running enabled/running time and value most
// recently observed for one (event, cpu) pair via READ records or the
// SAMPLE_READ payload, so consumers can compute deltas between samples.
type PerfCounter struct {
	value          uint64
	timeEnabled    uint64
	timeRunning    uint64
	haveTimeFields bool
	lastTraceTS    uint64
}

func newPerfCounter() *PerfCounter { return &PerfCounter{} }

// Update records a new observation. timeEnabled/timeRunning are only
// meaningful when the owning attr's ReadFormat includes the
// corresponding TOTAL_TIME_* bit.
func (c *PerfCounter) Update(value uint64, timeEnabled, timeRunning uint64, haveTimes bool) {
	c.value = value
	if haveTimes {
		c.timeEnabled = timeEnabled
		c.timeRunning = timeRunning
		c.haveTimeFields = true
	}
}

// AddCount sets the counter to an absolute value carried by a
// SAMPLE_READ read_groups entry: those entries report the group
// member's own cumulative count, not a delta since the last sample.
func (c *PerfCounter) AddCount(traceTS uint64, value uint64) {
	c.value = value
	c.lastTraceTS = traceTS
}

// AddDelta accumulates a sampling period onto the counter's running
// total, for events sampled without read_groups (the sample's own
// period is the only per-event count available).
func (c *PerfCounter) AddDelta(traceTS uint64, period uint64) {
	c.value += period
	c.lastTraceTS = traceTS
}

// Value returns the last observed raw counter value.
func (c *PerfCounter) Value() uint64 { return c.value }

// LastTraceTimestamp returns the trace timestamp of the most recent
// AddCount/AddDelta observation.
func (c *PerfCounter) LastTraceTimestamp() uint64 { return c.lastTraceTS }

// Times returns the last observed enabled/running times, if the event's
// read_format carries them.
func (c *PerfCounter) Times() (enabled, running uint64, ok bool) {
	return c.timeEnabled, c.timeRunning, c.haveTimeFields
}
