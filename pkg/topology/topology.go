// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package topology classifies logical CPUs on Intel hybrid parts (Alder Lake
// and later) as Performance or Efficiency cores and answers migration-type
// lookups against that classification.
package topology

import "fmt"

// CpuId is a 0-based logical CPU number as seen by the kernel.
type CpuId = uint32

// CoreType classifies a logical CPU on a hybrid part.
type CoreType uint8

const (
	Unknown CoreType = iota
	PCore
	ECore
)

func (t CoreType) String() string {
	switch t {
	case PCore:
		return "P-core"
	case ECore:
		return "E-core"
	case Unknown:
		return "Unknown"
	default:
		return "Invalid"
	}
}

// MigrationType classifies a migration by the core types of its source and
// destination CPUs.
type MigrationType uint8

const (
	MigrationUnknown MigrationType = iota
	PToP
	PToE
	EToP
	EToE
)

func (t MigrationType) String() string {
	switch t {
	case PToP:
		return "P→P"
	case PToE:
		return "P→E"
	case EToP:
		return "E→P"
	case EToE:
		return "E→E"
	case MigrationUnknown:
		return "Unknown"
	default:
		return "Invalid"
	}
}

// ErrorKind is the closed set of failure modes topology discovery and
// lookup can produce.
type ErrorKind uint8

const (
	SysfsNotFound ErrorKind = iota + 1
	NotHybridCpu
	ParseError
	InvalidCpuId
	PermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case SysfsNotFound:
		return "sysfs topology entries not found"
	case NotHybridCpu:
		return "system does not have a hybrid CPU"
	case ParseError:
		return "failed to parse CPU list format"
	case InvalidCpuId:
		return "invalid CPU ID"
	case PermissionDenied:
		return "permission denied accessing sysfs"
	default:
		return "unknown topology error"
	}
}

// Error is the error type returned by this package. It wraps an ErrorKind
// with context so callers can both match on Kind and print a useful message.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Map holds an immutable classification of logical CPUs into P-core and
// E-core sets, plus an O(1) lookup table built once at construction.
type Map struct {
	pCores   []CpuId
	eCores   []CpuId
	lookup   []CoreType       // dense, sized to max(cpuId)+1; gaps are Unknown
	siblings map[CpuId]CpuId // logical cpu -> physical core id, SMT-sibling lookup only
}

// NewMap builds a Map directly from already-classified P-core and E-core id
// lists. Exported mainly for tests and for callers that source topology from
// something other than sysfs (e.g. the CLI passing a pinned cpuset).
func NewMap(pCores, eCores []CpuId) *Map {
	m := &Map{
		pCores: append([]CpuId(nil), pCores...),
		eCores: append([]CpuId(nil), eCores...),
	}
	m.buildLookup()
	return m
}

func (m *Map) buildLookup() {
	var max CpuId
	for _, c := range m.pCores {
		if c > max {
			max = c
		}
	}
	for _, c := range m.eCores {
		if c > max {
			max = c
		}
	}

	m.lookup = make([]CoreType, max+1)
	for _, c := range m.pCores {
		m.lookup[c] = PCore
	}
	for _, c := range m.eCores {
		m.lookup[c] = ECore
	}
}

// GetCoreType returns the classification of cpu, or InvalidCpuId if cpu is
// out of range or falls in a gap that was never classified.
func (m *Map) GetCoreType(cpu CpuId) (CoreType, error) {
	if int(cpu) >= len(m.lookup) {
		return Unknown, newError(InvalidCpuId, "cpu %d out of range (max %d)", cpu, len(m.lookup)-1)
	}
	t := m.lookup[cpu]
	if t == Unknown {
		return Unknown, newError(InvalidCpuId, "cpu %d not classified", cpu)
	}
	return t, nil
}

// PCores returns the ordered set of Performance-core CPU ids.
func (m *Map) PCores() []CpuId { return m.pCores }

// ECores returns the ordered set of Efficiency-core CPU ids.
func (m *Map) ECores() []CpuId { return m.eCores }

// TotalCpuCount is |PCores| + |ECores|.
func (m *Map) TotalCpuCount() int { return len(m.pCores) + len(m.eCores) }

// IsHybrid reports whether both core classes are non-empty.
func (m *Map) IsHybrid() bool { return len(m.pCores) > 0 && len(m.eCores) > 0 }

// IsSmtSibling reports whether cpuA and cpuB are distinct logical CPUs with
// the same physical core id in the map supplied via SetSiblings. It is
// always false when no sibling map is installed or either id is missing
// from it. The core type of the two ids is not checked.
//
// This map does not itself discover sibling data (that lives in the sysfs
// loader, which has the directory walk already open); it is wired through
// SetSiblings by the loader after construction.
func (m *Map) IsSmtSibling(cpuA, cpuB CpuId) bool {
	if m.siblings == nil {
		return false
	}
	a, okA := m.siblings[cpuA]
	b, okB := m.siblings[cpuB]
	return okA && okB && a == b && cpuA != cpuB
}

// SetSiblings installs a physical-core-id map used by IsSmtSibling. It is
// exported rather than folded into NewMap because sibling discovery is
// optional: the sysfs loader installs it only when at least one
// topology/core_id file could be read (see loadSiblings).
func (m *Map) SetSiblings(physicalCoreID map[CpuId]CpuId) {
	m.siblings = physicalCoreID
}
