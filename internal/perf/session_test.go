package perf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustBuildSession(t *testing.T) *PerfSession {
	t.Helper()
	b := NewPerfSessionBuilder(&Header{})
	require.NoError(t, b.AddEntry(AttrsEntry{Attr: NewPerfEventAttrForTest(SampleFormatIP)}, []uint64{7}))
	sess, err := b.Build()
	require.NoError(t, err)
	return sess
}

func TestPerfSessionFindAttrForEventID(t *testing.T) {
	sess := mustBuildSession(t)
	attr, ok := sess.FindAttrForEventID(7)
	require.True(t, ok)
	require.Same(t, sess.attrs[0], attr)

	_, ok = sess.FindAttrForEventID(999)
	require.True(t, ok, "sole attr should be returned even for an unknown id")
}

func TestPerfSessionCmdline(t *testing.T) {
	sess := mustBuildSession(t)
	_, ok := sess.Cmdline()
	require.False(t, ok)

	sess.SetCmdline([]string{"perf", "record", "-a"})
	args, ok := sess.Cmdline()
	require.True(t, ok)
	require.Equal(t, []string{"perf", "record", "-a"}, args)
}

func TestPerfSessionEventNames(t *testing.T) {
	sess := mustBuildSession(t)
	sess.SetEventName(7, "cycles")
	name, ok := sess.EventName(7)
	require.True(t, ok)
	require.Equal(t, "cycles", name)

	sess.SetEventNameByTypeConfig(EventType(0), 3, "instructions")
	name, ok = sess.EventNameByTypeConfig(EventType(0), 3)
	require.True(t, ok)
	require.Equal(t, "instructions", name)
}

// TestPerfSessionBuildIDPrecedence checks the session half of testable
// property 8: a value added after an earlier one for the same (pid,
// filename) wins. An MMAP2's embedded build-id taking precedence over
// this lookup is decided in the importer's applyMmap, not here.
func TestPerfSessionBuildIDPrecedence(t *testing.T) {
	sess := mustBuildSession(t)
	_, ok := sess.LookupBuildID(42, "/usr/bin/target")
	require.False(t, ok)

	sess.AddBuildID(42, "/usr/bin/target", []byte{0xAA})
	id, ok := sess.LookupBuildID(42, "/usr/bin/target")
	require.True(t, ok)
	require.Equal(t, []byte{0xAA}, id)

	sess.AddBuildID(42, "/usr/bin/target", []byte{0xBB})
	id, ok = sess.LookupBuildID(42, "/usr/bin/target")
	require.True(t, ok)
	require.Equal(t, []byte{0xBB}, id)
}
