// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package events defines the two record types that flow out of the
// migration tracer and the periodic sampler, and the pure function that
// correlates a migration with the topology map.
package events

import (
	"bytes"

	"github.com/antimetal/threveal/pkg/topology"
)

// MaxCommLength is the kernel's comm field size, including the NUL
// terminator.
const MaxCommLength = 16

// MigrationEvent is a decoded record from the sched_migrate_task
// tracepoint.
type MigrationEvent struct {
	TimestampNs uint64
	Pid         uint32
	Tid         uint32
	SrcCpu      topology.CpuId
	DstCpu      topology.CpuId
	Comm        [MaxCommLength]byte
}

// CommString trims the fixed-width comm field at its first NUL or trailing
// space run, mirroring how the original CLI printed it before the
// distillation dropped the helper.
func (e MigrationEvent) CommString() string {
	n := bytes.IndexByte(e.Comm[:], 0)
	if n < 0 {
		n = len(e.Comm)
	}
	return string(bytes.TrimRight(e.Comm[:n], " "))
}

// PmuSample is one grouped-counter snapshot, tagged with the thread and CPU
// it was taken on.
type PmuSample struct {
	TimestampNs    uint64
	Tid            uint32
	CpuId          topology.CpuId
	Instructions   uint64
	Cycles         uint64
	LlcReferences  uint64
	LlcMisses      uint64
	BranchMisses   uint64
}

// IPC returns instructions-per-cycle, defined as 0 when Cycles is 0.
func (s PmuSample) IPC() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.Instructions) / float64(s.Cycles)
}

// LLCMissRate returns the last-level-cache miss ratio, defined as 0 when
// LlcReferences is 0.
func (s PmuSample) LLCMissRate() float64 {
	if s.LlcReferences == 0 {
		return 0
	}
	return float64(s.LlcMisses) / float64(s.LlcReferences)
}

// CyclesPerSecond derives a throughput figure from the sample's cycle count
// and the interval it was taken over. It is a helper on the emitted record
// rather than a stored field, keeping PmuSample itself minimal per the data
// model; callers that don't know their sampling interval simply don't call
// it.
func (s PmuSample) CyclesPerSecond(interval float64) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(s.Cycles) / interval
}

// ClassifyMigration derives a MigrationType from the source and destination
// CPUs of e, looking each up in topo. Any lookup failure on either side
// yields Unknown.
func ClassifyMigration(e MigrationEvent, topo *topology.Map) topology.MigrationType {
	srcType, err := topo.GetCoreType(e.SrcCpu)
	if err != nil {
		return topology.MigrationUnknown
	}
	dstType, err := topo.GetCoreType(e.DstCpu)
	if err != nil {
		return topology.MigrationUnknown
	}

	switch {
	case srcType == topology.PCore && dstType == topology.PCore:
		return topology.PToP
	case srcType == topology.PCore && dstType == topology.ECore:
		return topology.PToE
	case srcType == topology.ECore && dstType == topology.PCore:
		return topology.EToP
	case srcType == topology.ECore && dstType == topology.ECore:
		return topology.EToE
	default:
		return topology.MigrationUnknown
	}
}
