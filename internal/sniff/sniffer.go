// Package sniff identifies whether a byte prefix looks like a
// perf.data recording before the importer pipeline commits to parsing
// it as one, the same "peek the header, don't consume it" pattern the
// wider trace-processing system uses to route input files to the right
// importer.
package sniff

import "bytes"

// MinPrefixLen is the minimum number of leading bytes IsPerfData needs
// to make a determination.
const MinPrefixLen = 8

var perfMagic = []byte("PERFILE2")

// IsPerfData reports whether prefix (the first MinPrefixLen or more
// bytes of a candidate trace file) matches the perf.data v2 magic.
// Shorter prefixes always report false rather than erroring: the caller
// is expected to buffer more input and retry.
func IsPerfData(prefix []byte) bool {
	if len(prefix) < MinPrefixLen {
		return false
	}
	return bytes.Equal(prefix[:MinPrefixLen], perfMagic)
}
