package importer

import "sync"

// frameKey identifies a frame by the (mapping, relative pc) pair a
// callchain entry resolves to.
type frameKey struct {
	mapping MappingID
	relPC   uint64
}

// callsiteKey identifies a callchain node by its parent and the frame it
// adds, so two samples sharing a call path intern to the same node.
type callsiteKey struct {
	parent CallsiteID
	frame  FrameID
}

// rootCallsiteID is the sentinel parent of every callchain's outermost
// frame; real callsites are always > 0.
const rootCallsiteID CallsiteID = 0

// stackProfileTracker interns callchain frames and callsites:
// InternCallsite builds a node for each (parent, frame) pair, and
// callers intern a chain from its outermost frame inward, so two stacks
// share every node of the path they have in common from the root.
type stackProfileTracker struct {
	mu sync.Mutex

	frames    map[frameKey]FrameID
	nextFrame FrameID

	callsites    map[callsiteKey]CallsiteID
	nextCallsite CallsiteID
}

// NewStackProfileTracker returns an empty StackProfileTracker.
func NewStackProfileTracker() StackProfileTracker {
	return &stackProfileTracker{
		frames:    make(map[frameKey]FrameID),
		callsites: make(map[callsiteKey]CallsiteID),
	}
}

func (t *stackProfileTracker) InternFrame(mapping MappingID, relPC uint64) FrameID {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := frameKey{mapping: mapping, relPC: relPC}
	if id, ok := t.frames[key]; ok {
		return id
	}
	t.nextFrame++
	t.frames[key] = t.nextFrame
	return t.nextFrame
}

func (t *stackProfileTracker) InternCallsite(parent CallsiteID, frame FrameID) CallsiteID {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := callsiteKey{parent: parent, frame: frame}
	if id, ok := t.callsites[key]; ok {
		return id
	}
	t.nextCallsite++
	t.callsites[key] = t.nextCallsite
	return t.nextCallsite
}

func (t *stackProfileTracker) RootCallsite() CallsiteID { return rootCallsiteID }
