package sniff

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsPerfDataMatchesMagic(t *testing.T) {
	require.True(t, IsPerfData([]byte("PERFILE2\x00\x00\x00\x00")))
}

func TestIsPerfDataRejectsOtherMagic(t *testing.T) {
	require.False(t, IsPerfData([]byte("\x89PNG\r\n\x1a\n")))
}

func TestIsPerfDataRejectsShortPrefix(t *testing.T) {
	require.False(t, IsPerfData([]byte("PERF")))
}
