package importer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStackProfileTrackerInternsSharedPrefix(t *testing.T) {
	sp := NewStackProfileTracker()

	fA := sp.InternFrame(1, 0x10)
	fB := sp.InternFrame(1, 0x20)

	root := sp.RootCallsite()
	c1 := sp.InternCallsite(root, fA)
	stackOne := sp.InternCallsite(c1, fB)

	c1Again := sp.InternCallsite(root, fA)
	stackTwo := sp.InternCallsite(c1Again, fB)

	require.Equal(t, c1, c1Again)
	require.Equal(t, stackOne, stackTwo)
}

func TestStackProfileTrackerDivergingStacksGetDistinctCallsites(t *testing.T) {
	sp := NewStackProfileTracker()

	fA := sp.InternFrame(1, 0x10)
	fB := sp.InternFrame(1, 0x20)
	fC := sp.InternFrame(1, 0x30)

	root := sp.RootCallsite()
	base := sp.InternCallsite(root, fA)

	leftLeaf := sp.InternCallsite(base, fB)
	rightLeaf := sp.InternCallsite(base, fC)

	require.NotEqual(t, leftLeaf, rightLeaf)
}
