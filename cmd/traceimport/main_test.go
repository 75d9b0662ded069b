package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCmdRequiresAtLeastOneArg(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	require.Error(t, cmd.Execute())
}

func TestRootCmdRejectsNonexistentFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"/nonexistent/trace.perf"})
	require.Error(t, cmd.Execute())
}

func TestRootCmdRejectsMultipleNonexistentFiles(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"/nonexistent/a.perf", "/nonexistent/b.perf"})
	require.Error(t, cmd.Execute())
}
