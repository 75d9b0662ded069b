// Package perf implements the streaming tokenizer and record decoders for
// the Linux perf.data container format described in
// tools/perf/util/header.c and include/uapi/linux/perf_event.h.
//
// Most of the on-disk layout here has no authoritative up to date
// documentation; the struct layouts and offset arithmetic below are
// cross-checked against a from-scratch Go implementation of the same
// format (github.com/aclements/go-perf) rather than any single doc page.
package perf

import "fmt"

// Magic is the 8 byte magic string at the start of every perf.data v2 file.
const Magic = "PERFILE2"

// HeaderSize is the on-disk size of Header. Files declaring a different
// header size are rejected outright: there is no support for the older,
// smaller fixed-size headers some perf versions wrote.
const HeaderSize = 104

// NumFeatureBits is the width of the file header's feature bitmap
// (flags + flags1[3], 64 bits each).
const NumFeatureBits = 256

// Section is an absolute (offset, size) byte range within the file.
type Section struct {
	Offset uint64
	Size   uint64
}

// End returns the exclusive end offset of the section.
func (s Section) End() uint64 { return s.Offset + s.Size }

// Header is the fixed-size perf.data file header.
type Header struct {
	Magic      [8]byte
	Size       uint64
	AttrSize   uint64
	Attrs      Section
	Data       Section
	EventTypes Section
	Flags      uint64
	Flags1     [3]uint64
}

// HasFeature reports whether feature bit id is set in the header's
// 256-bit flags bitmap.
func (h *Header) HasFeature(id FeatureID) bool {
	if int(id) >= NumFeatureBits {
		return false
	}
	word, bit := int(id)/64, uint(id)%64
	if word == 0 {
		return h.Flags&(1<<bit) != 0
	}
	return h.Flags1[word-1]&(1<<bit) != 0
}

// FeatureIDs returns the sorted list of feature bit positions set in the
// header, per spec.md testable property 5 (set of feature IDs parsed =
// popcount positions of flags:flags1).
func (h *Header) FeatureIDs() []FeatureID {
	var ids []FeatureID
	words := [4]uint64{h.Flags, h.Flags1[0], h.Flags1[1], h.Flags1[2]}
	for w, word := range words {
		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) != 0 {
				ids = append(ids, FeatureID(w*64+bit))
			}
		}
	}
	return ids
}

// RecordType identifies the kind of a perf.data record.
type RecordType uint32

const (
	RecordTypeMmap RecordType = 1 + iota
	RecordTypeLost
	RecordTypeComm
	RecordTypeExit
	RecordTypeThrottle
	RecordTypeUnthrottle
	RecordTypeFork
	RecordTypeRead
	RecordTypeSample
	RecordTypeMmap2
	RecordTypeAux
	RecordTypeItraceStart
	RecordTypeLostSamples
	RecordTypeSwitch
	RecordTypeSwitchCPUWide
	RecordTypeNamespaces
	RecordTypeKsymbol
	RecordTypeBPFEvent
	RecordTypeCGroup
	RecordTypeTextPoke
	RecordTypeAuxOutputHardwareID

	RecordTypeAuxtraceInfo RecordType = 70
	RecordTypeAuxtrace     RecordType = 71
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeMmap:
		return "MMAP"
	case RecordTypeLost:
		return "LOST"
	case RecordTypeComm:
		return "COMM"
	case RecordTypeExit:
		return "EXIT"
	case RecordTypeThrottle:
		return "THROTTLE"
	case RecordTypeUnthrottle:
		return "UNTHROTTLE"
	case RecordTypeFork:
		return "FORK"
	case RecordTypeRead:
		return "READ"
	case RecordTypeSample:
		return "SAMPLE"
	case RecordTypeMmap2:
		return "MMAP2"
	case RecordTypeAux:
		return "AUX"
	case RecordTypeItraceStart:
		return "ITRACE_START"
	case RecordTypeLostSamples:
		return "LOST_SAMPLES"
	case RecordTypeSwitch:
		return "SWITCH"
	case RecordTypeSwitchCPUWide:
		return "SWITCH_CPU_WIDE"
	case RecordTypeNamespaces:
		return "NAMESPACES"
	case RecordTypeKsymbol:
		return "KSYMBOL"
	case RecordTypeBPFEvent:
		return "BPF_EVENT"
	case RecordTypeCGroup:
		return "CGROUP"
	case RecordTypeTextPoke:
		return "TEXT_POKE"
	case RecordTypeAuxOutputHardwareID:
		return "AUX_OUTPUT_HW_ID"
	case RecordTypeAuxtraceInfo:
		return "AUXTRACE_INFO"
	case RecordTypeAuxtrace:
		return "AUXTRACE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// IsAuxFamily reports whether t is one of the AUX/AUXTRACE/AUXTRACE_INFO
// record types that the tokenizer must drop before they ever reach the
// sorter (spec.md invariant 9).
func (t RecordType) IsAuxFamily() bool {
	switch t {
	case RecordTypeAux, RecordTypeAuxtrace, RecordTypeAuxtraceInfo:
		return true
	default:
		return false
	}
}

// RecordMisc is the perf_event_header.misc field. Its low 3 bits encode
// the CPU mode; higher bits are record-type-specific flags.
type RecordMisc uint16

const (
	miscCPUModeMask RecordMisc = 0x7
	// MiscMmapBuildID marks an MMAP2 record as carrying an embedded
	// build ID instead of {maj,min,ino,ino_generation}.
	MiscMmapBuildID RecordMisc = 1 << 14
)

// CPUMode is the privilege level a sample or event was recorded at.
type CPUMode uint8

const (
	CPUModeUnknown CPUMode = iota
	CPUModeKernel
	CPUModeUser
	CPUModeHypervisor
	CPUModeGuestKernel
	CPUModeGuestUser
)

func (m CPUMode) String() string {
	switch m {
	case CPUModeKernel:
		return "kernel"
	case CPUModeUser:
		return "user"
	case CPUModeHypervisor:
		return "hypervisor"
	case CPUModeGuestKernel:
		return "guest_kernel"
	case CPUModeGuestUser:
		return "guest_user"
	default:
		return "unknown"
	}
}

// IsKernel reports whether the mode is one of the two kernel-side modes,
// used to route callchain frames to the kernel or user mapping space.
func (m CPUMode) IsKernel() bool {
	return m == CPUModeKernel || m == CPUModeGuestKernel
}

// CPUModeFromMisc extracts the CPU mode from a record header's misc field.
func CPUModeFromMisc(misc RecordMisc) CPUMode {
	return CPUMode(misc & miscCPUModeMask)
}

// RecordHeader is the fixed 8 byte header prefixing every record.
type RecordHeader struct {
	Type RecordType
	Misc RecordMisc
	Size uint16
}

// Size of RecordHeader on disk.
const RecordHeaderSize = 8

// SampleFormat is the perf_event_attr.sample_type bitmask controlling
// which optional fields are present in SAMPLE records, and which
// trailing sample_id fields are appended to non-SAMPLE records.
type SampleFormat uint64

const (
	SampleFormatIP SampleFormat = 1 << iota
	SampleFormatTID
	SampleFormatTime
	SampleFormatAddr
	SampleFormatRead
	SampleFormatCallchain
	SampleFormatID
	SampleFormatCPU
	SampleFormatPeriod
	SampleFormatStreamID
	SampleFormatRaw
	SampleFormatBranchStack
	SampleFormatRegsUser
	SampleFormatStackUser
	SampleFormatWeight
	SampleFormatDataSrc
	SampleFormatIdentifier
	SampleFormatTransaction
	SampleFormatRegsIntr
	SampleFormatPhysAddr
	SampleFormatAux
	SampleFormatCGroup
	SampleFormatDataPageSize
	SampleFormatCodePageSize
	SampleFormatWeightStruct
)

// ReadFormat is the perf_event_attr.read_format bitmask controlling the
// shape of SAMPLE_READ payloads.
type ReadFormat uint64

const (
	ReadFormatTotalTimeEnabled ReadFormat = 1 << iota
	ReadFormatTotalTimeRunning
	ReadFormatID
	ReadFormatGroup
)

// EventType is the perf_type_id of an event (hardware, software, ...).
type EventType uint32

// FeatureID identifies an optional trailing feature section.
type FeatureID uint8

const (
	FeatureIDReserved FeatureID = iota
	FeatureIDTracingData
	FeatureIDBuildID
	FeatureIDHostname
	FeatureIDOSRelease
	FeatureIDVersion
	FeatureIDArch
	FeatureIDNrCpus
	FeatureIDCPUDesc
	FeatureIDCPUID
	FeatureIDTotalMem
	FeatureIDCmdline
	FeatureIDEventDesc
	FeatureIDCPUTopology
	FeatureIDNUMATopology
	FeatureIDBranchStack
	FeatureIDPMUMappings
	FeatureIDGroupDesc
	FeatureIDAuxtrace
	FeatureIDStat
	FeatureIDCache
	FeatureIDSampleTime
	FeatureIDMemTopology
	FeatureIDClockID
	FeatureIDDirFormat
	FeatureIDBPFProgInfo
	FeatureIDBPFBTF
	FeatureIDCompressed
	FeatureIDCPUPMUCaps
	FeatureIDClockData
	FeatureIDHybridTopology
	FeatureIDPMUCaps

	// FeatureIDSimpleperfMetaInfo and FeatureIDSimpleperfFile2 are
	// simpleperf (Android) extensions layered on top of the same
	// container format, using feature-ID slots simpleperf reserves in
	// its own fork of the header rather than upstream perf's.
	FeatureIDSimpleperfMetaInfo FeatureID = 128
	FeatureIDSimpleperfFile2    FeatureID = 129
)
