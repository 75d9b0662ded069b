package perf

import (
	"fmt"
	"sync"
)

// eventTypeConfig keys the name simpleperf's META_INFO feature associates
// with an (event type, config) pair, for recordings that key event names
// by config rather than by per-record sample-id.
type eventTypeConfig struct {
	Type   EventType
	Config uint64
}

// buildIDKey keys a resolved build-id by the (pid, filename) pair the
// BUILD_ID feature and MMAP2 records both address it by.
type buildIDKey struct {
	PID      uint32
	Filename string
}

// PerfSession is the fully-parsed description of a perf.data recording's
// event attributes: what was requested (sample_type, read_format,
// per-event period) and how to route a record carrying an event id back
// to the PerfEventAttr that produced it. It is built once, from the
// attrs section, before any DATA record is parsed, and immutable
// afterward except for the metadata sets below, which the feature
// sections (parsed after the DATA section) fill in.
type PerfSession struct {
	header *Header
	attrs  []*PerfEventAttr
	byID   map[uint64]*PerfEventAttr

	mu               sync.RWMutex
	cmdline          []string
	eventNamesByID   map[uint64]string
	eventNamesByType map[eventTypeConfig]string
	buildIDs         map[buildIDKey][]byte
}

// Header returns the parsed file header.
func (s *PerfSession) Header() *Header { return s.header }

// Attrs returns every event attribute declared in the file, in
// declaration order.
func (s *PerfSession) Attrs() []*PerfEventAttr { return s.attrs }

// AttrForID returns the event attribute that owns sample id, if the file
// declared an id-to-attr mapping. Falls back to the sole attribute when
// there is exactly one, per spec.md 4.4 (single-event files may omit
// per-record ids entirely).
func (s *PerfSession) AttrForID(id uint64) (*PerfEventAttr, bool) {
	if a, ok := s.byID[id]; ok {
		return a, true
	}
	if len(s.attrs) == 1 {
		return s.attrs[0], true
	}
	return nil, false
}

// SoleAttr returns the file's only event attribute, if it declares
// exactly one. Used to resolve records with no discoverable id when the
// ambiguity is moot.
func (s *PerfSession) SoleAttr() (*PerfEventAttr, bool) {
	if len(s.attrs) == 1 {
		return s.attrs[0], true
	}
	return nil, false
}

// FindAttrForEventID is AttrForID's spec-facing name: the attribute a
// SAMPLE (or a non-SAMPLE record's trailing sample_id) resolved its
// event id against.
func (s *PerfSession) FindAttrForEventID(id uint64) (*PerfEventAttr, bool) {
	return s.AttrForID(id)
}

// SetEventName records the name HEADER_EVENT_DESC associates with a
// sample-id.
func (s *PerfSession) SetEventName(id uint64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventNamesByID[id] = name
}

// SetEventNameByTypeConfig records the name simpleperf's META_INFO
// feature associates with an (event type, config) pair, for recordings
// that key event names by config rather than by per-record sample-id.
func (s *PerfSession) SetEventNameByTypeConfig(t EventType, config uint64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventNamesByType[eventTypeConfig{Type: t, Config: config}] = name
}

// EventName returns the name registered for a sample-id, if any.
func (s *PerfSession) EventName(id uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.eventNamesByID[id]
	return name, ok
}

// EventNameByTypeConfig returns the name registered for an (event type,
// config) pair, if any.
func (s *PerfSession) EventNameByTypeConfig(t EventType, config uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.eventNamesByType[eventTypeConfig{Type: t, Config: config}]
	return name, ok
}

// SetCmdline records the recording command's argv from HEADER_CMDLINE.
func (s *PerfSession) SetCmdline(args []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmdline = args
}

// Cmdline returns the recording command's argv, if HEADER_CMDLINE was
// present.
func (s *PerfSession) Cmdline() ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cmdline, s.cmdline != nil
}

// AddBuildID records the build-id resolved for (pid, filename) from a
// HEADER_BUILD_ID entry; an MMAP2's embedded build-id is not recorded
// here.
func (s *PerfSession) AddBuildID(pid uint32, filename string, buildID []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildIDs[buildIDKey{PID: pid, Filename: filename}] = buildID
}

// LookupBuildID returns the build-id recorded for (pid, filename), if
// any.
func (s *PerfSession) LookupBuildID(pid uint32, filename string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.buildIDs[buildIDKey{PID: pid, Filename: filename}]
	return id, ok
}

// PerfSessionBuilder incrementally assembles a PerfSession from decoded
// attrs-section entries plus their id lists, then freezes it.
type PerfSessionBuilder struct {
	header *Header
	attrs  []*PerfEventAttr
	byID   map[uint64]*PerfEventAttr
}

// NewPerfSessionBuilder starts a builder for the given parsed header.
func NewPerfSessionBuilder(header *Header) *PerfSessionBuilder {
	return &PerfSessionBuilder{header: header, byID: make(map[uint64]*PerfEventAttr)}
}

// AddEntry registers one parsed attrs-section entry along with the event
// ids (already resolved from its ids section) that route to it.
func (b *PerfSessionBuilder) AddEntry(entry AttrsEntry, ids []uint64) error {
	b.attrs = append(b.attrs, entry.Attr)
	for _, id := range ids {
		if existing, ok := b.byID[id]; ok && existing != entry.Attr {
			return fmt.Errorf("perf: event id %d claimed by more than one attr", id)
		}
		b.byID[id] = entry.Attr
	}
	return nil
}

// Build freezes the accumulated attrs into a PerfSession. Fails if no
// attrs were ever registered: a file's attrs section must declare at
// least one event.
func (b *PerfSessionBuilder) Build() (*PerfSession, error) {
	if len(b.attrs) == 0 {
		return nil, fmt.Errorf("perf: attrs section declared no events")
	}
	return &PerfSession{
		header:           b.header,
		attrs:            b.attrs,
		byID:             b.byID,
		eventNamesByID:   make(map[uint64]string),
		eventNamesByType: make(map[eventTypeConfig]string),
		buildIDs:         make(map[buildIDKey][]byte),
	}, nil
}
