// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package perfcounter owns a five-counter perf_event group (cycles,
// instructions, LLC read accesses, LLC read misses, branch mispredictions)
// bound to a single thread, opened with group read format so a single read
// returns an atomic snapshot of all five.
package perfcounter

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw perf_event_attr bitfield positions (linux/perf_event.h); x/sys/unix
// exposes these as a flat uint64 "Bits" field rather than named accessors,
// so we set them by hand.
const (
	bitDisabled      = 1 << 0
	bitExcludeKernel = 1 << 5
	bitExcludeHV     = 1 << 6
)

const (
	perfTypeHardware = 0
	perfTypeHWCache  = 3

	perfCountHWCPUCycles      = 0
	perfCountHWInstructions   = 1
	perfCountHWBranchMisses   = 5

	perfCountHWCacheLL          = 2 // last-level cache
	perfCountHWCacheOpRead      = 0
	perfCountHWCacheResultAccess = 0
	perfCountHWCacheResultMiss   = 1

	perfFormatGroup  = 1 << 3
	perfIOCFlagGroup = 1
)

// CounterCount is the fixed number of counters in every Group.
const CounterCount = 5

// counter indices within the group, matching creation order.
const (
	idxCycles = iota
	idxInstructions
	idxLlcLoads
	idxLlcLoadMisses
	idxBranchMisses
)

const invalidFd = -1

// Reading is one atomic snapshot of the group's five counters.
type Reading struct {
	Cycles        uint64
	Instructions  uint64
	LlcLoads      uint64
	LlcLoadMisses uint64
	BranchMisses  uint64
}

// IPC is instructions-per-cycle, defined as 0 when Cycles is 0.
func (r Reading) IPC() float64 {
	if r.Cycles == 0 {
		return 0
	}
	return float64(r.Instructions) / float64(r.Cycles)
}

// LLCMissRate is the LLC load miss ratio, defined as 0 when LlcLoads is 0.
func (r Reading) LLCMissRate() float64 {
	if r.LlcLoads == 0 {
		return 0
	}
	return float64(r.LlcLoadMisses) / float64(r.LlcLoads)
}

// Group exclusively owns five perf_event file descriptors forming one
// group, with the cycles counter as leader. It is move-only: Go has no
// compile-time move semantics, so single ownership is enforced by
// Move()/Close() discipline instead — see Move().
type Group struct {
	fds [CounterCount]int
}

// Create opens a new five-counter group for tid (0 for the calling thread,
// matching the kernel's perf_event_open convention) on cpu (-1 for "any CPU
// the thread runs on"). On any failure past the leader, already-opened
// descriptors are closed before the error is returned.
func Create(tid int, cpu int) (*Group, error) {
	g := &Group{}
	for i := range g.fds {
		g.fds[i] = invalidFd
	}

	cyclesAttr := hardwareAttr(perfCountHWCPUCycles, true)
	fd, err := unix.PerfEventOpen(cyclesAttr, tid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, newError(errnoToKind(err), "opening cycles leader: %v", err)
	}
	g.fds[idxCycles] = fd
	leader := fd

	type member struct {
		idx  int
		attr *unix.PerfEventAttr
		name string
	}
	members := []member{
		{idxInstructions, hardwareAttr(perfCountHWInstructions, false), "instructions"},
		{idxLlcLoads, cacheAttr(perfCountHWCacheLL, perfCountHWCacheOpRead, perfCountHWCacheResultAccess), "llc loads"},
		{idxLlcLoadMisses, cacheAttr(perfCountHWCacheLL, perfCountHWCacheOpRead, perfCountHWCacheResultMiss), "llc load misses"},
		{idxBranchMisses, hardwareAttr(perfCountHWBranchMisses, false), "branch misses"},
	}

	for _, m := range members {
		fd, err := unix.PerfEventOpen(m.attr, tid, cpu, leader, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			kind := errnoToKind(err)
			g.closeAll()
			return nil, newError(kind, "opening %s member: %v", m.name, err)
		}
		g.fds[m.idx] = fd
	}

	return g, nil
}

func hardwareAttr(config uint64, leader bool) *unix.PerfEventAttr {
	attr := &unix.PerfEventAttr{
		Type:   perfTypeHardware,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: config,
		Bits:   bitExcludeKernel | bitExcludeHV,
	}
	if leader {
		attr.Bits |= bitDisabled
		attr.Read_format = perfFormatGroup
	}
	return attr
}

func cacheAttr(cacheID, opID, resultID uint64) *unix.PerfEventAttr {
	return &unix.PerfEventAttr{
		Type:   perfTypeHWCache,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: cacheID | (opID << 8) | (resultID << 16),
		Bits:   bitExcludeKernel | bitExcludeHV,
	}
}

func (g *Group) closeAll() {
	for i, fd := range g.fds {
		if fd != invalidFd {
			unix.Close(fd)
			g.fds[i] = invalidFd
		}
	}
}

// IsValid reports whether all five descriptors are still owned by this
// Group (i.e. it has not been closed or moved from).
func (g *Group) IsValid() bool {
	for _, fd := range g.fds {
		if fd == invalidFd {
			return false
		}
	}
	return true
}

// groupReadFormat mirrors the kernel's PERF_FORMAT_GROUP layout:
// { u64 nr; u64 value[nr]; }.
type groupReadFormat struct {
	Nr     uint64
	Values [CounterCount]uint64
}

// Read performs a single atomic read on the leader and returns all five
// counter values.
func (g *Group) Read() (Reading, error) {
	if !g.IsValid() {
		return Reading{}, newError(InvalidState, "read on invalid group")
	}

	buf := make([]byte, binary.Size(groupReadFormat{}))
	n, err := unix.Read(g.fds[idxCycles], buf)
	if err != nil {
		return Reading{}, newError(ReadFailed, "reading group leader: %v", err)
	}
	if n < 8 {
		return Reading{}, newError(ReadFailed, "short read (%d bytes)", n)
	}

	nr := binary.LittleEndian.Uint64(buf[0:8])
	if nr != CounterCount {
		return Reading{}, newError(ReadFailed, "group reported %d counters, want %d", nr, CounterCount)
	}

	var values [CounterCount]uint64
	for i := 0; i < CounterCount; i++ {
		off := 8 + i*8
		values[i] = binary.LittleEndian.Uint64(buf[off : off+8])
	}

	return Reading{
		Cycles:        values[idxCycles],
		Instructions:  values[idxInstructions],
		LlcLoads:      values[idxLlcLoads],
		LlcLoadMisses: values[idxLlcLoadMisses],
		BranchMisses:  values[idxBranchMisses],
	}, nil
}

// Enable starts all five counters together via the leader's group-wide
// ioctl.
func (g *Group) Enable() error {
	return g.groupIoctl(unix.PERF_EVENT_IOC_ENABLE, "enable")
}

// Disable stops all five counters together. Accumulated values are
// preserved and remain readable.
func (g *Group) Disable() error {
	return g.groupIoctl(unix.PERF_EVENT_IOC_DISABLE, "disable")
}

// Reset zeroes all five counters together.
func (g *Group) Reset() error {
	return g.groupIoctl(unix.PERF_EVENT_IOC_RESET, "reset")
}

func (g *Group) groupIoctl(req uint, name string) error {
	if !g.IsValid() {
		return newError(InvalidState, "%s on invalid group", name)
	}
	if err := unix.IoctlSetInt(g.fds[idxCycles], req, perfIOCFlagGroup); err != nil {
		return newError(InvalidState, "%s ioctl: %v", name, err)
	}
	return nil
}

// Close releases all five descriptors. Safe to call on an already-closed
// or moved-from Group.
func (g *Group) Close() {
	g.closeAll()
}

// Move transfers ownership of g's descriptors to a newly returned Group and
// invalidates g, so that neither g's eventual garbage collection nor a
// caller-held reference to g can double-close the descriptors. Go has no
// compiler-enforced move semantics, so this is the explicit equivalent of
// the original's move constructor: callers must stop using g after Move.
func (g *Group) Move() *Group {
	moved := &Group{fds: g.fds}
	for i := range g.fds {
		g.fds[i] = invalidFd
	}
	return moved
}
