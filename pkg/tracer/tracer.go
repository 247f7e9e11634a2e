// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-I../../ebpf/include -Wall -Werror -g -O2 -D__TARGET_ARCH_x86 -fdebug-types-section -fno-stack-protector" -target bpfel migrate ../../ebpf/src/migrate.bpf.c -- -I../../ebpf/include

// Package tracer captures scheduler migration events via an eBPF tracepoint
// on sched_migrate_task and decodes them off a ring buffer into the
// events package's wire-compatible MigrationEvent type.
package tracer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antimetal/threveal/pkg/capabilities"
	"github.com/antimetal/threveal/pkg/ebpf/core"
	"github.com/antimetal/threveal/pkg/events"
	"github.com/antimetal/threveal/pkg/kernel"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"
)

// ErrorKind is the closed set of failure modes a Tracer's lifecycle can
// produce.
type ErrorKind uint8

const (
	OpenFailed ErrorKind = iota + 1
	LoadFailed
	AttachFailed
	InvalidState
	MapAccessFailed
	PermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case OpenFailed:
		return "failed to open BPF object"
	case LoadFailed:
		return "failed to load BPF program"
	case AttachFailed:
		return "failed to attach BPF program"
	case InvalidState:
		return "BPF program in invalid state"
	case MapAccessFailed:
		return "failed to access BPF map"
	case PermissionDenied:
		return "permission denied for BPF operations"
	default:
		return "unknown eBPF error"
	}
}

// Error is the error type returned by this package.
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

const targetPidKey uint32 = 0

// Tracer owns the loaded BPF collection, its tracepoint attachment, and the
// ring buffer reader that drains it. It moves through a fixed state
// machine: New leaves it Loaded (program loaded but not attached); Attach
// moves Loaded -> Attached and installs the tracepoint; Detach moves
// Attached -> Loaded and tears the tracepoint down again. Attach is
// idempotent while Attached; Detach is an idempotent no-op while Loaded.
// Close tears down everything, including the loaded BPF object, and is
// safe to call without ever having attached.
//
// A Tracer is owned by one goroutine. Poll may be called repeatedly from
// that goroutine but never concurrently with Attach or Detach on the same
// instance.
type Tracer struct {
	logger logr.Logger

	mu          sync.Mutex
	coreManager *core.Manager
	objs        *ebpf.Collection
	perfLink    link.Link
	ringReader  *ringbuf.Reader
	targetPid   *ebpf.Map

	attached   bool
	eventCount uint64
	dropped    uint64
}

// minKernelMajor/minKernelMinor mirror the teacher's stated minimum for
// stable BPF tracepoint link support.
const minKernelMajor, minKernelMinor = 5, 15

// New loads the migrate BPF object at objectPath into the kernel but does
// not attach it. The returned Tracer starts in the Loaded state; call
// Attach to begin capturing migrations.
func New(logger logr.Logger, objectPath string) (*Tracer, error) {
	if ok, missing, err := capabilities.HasAllCapabilities(capabilities.GetEBPFCapabilities()); err == nil && !ok {
		logger.V(1).Info("missing eBPF capabilities, attach will likely fail", "missing", missing)
	}

	if v, err := kernel.GetCurrentVersion(); err == nil && !v.IsAtLeast(minKernelMajor, minKernelMinor) {
		logger.V(1).Info("kernel below recommended minimum for BPF tracepoint links",
			"kernel", v.String(), "minimum", fmt.Sprintf("%d.%d", minKernelMajor, minKernelMinor))
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, newError(PermissionDenied, "removing memlock rlimit: %v", err)
	}

	manager, err := core.NewManager(logger)
	if err != nil {
		return nil, newError(OpenFailed, "creating CO-RE manager: %v", err)
	}

	coll, err := manager.LoadCollection(objectPath)
	if err != nil {
		return nil, newError(LoadFailed, "loading migrate collection: %v", err)
	}

	targetPid, ok := coll.Maps["target_pid_map"]
	if !ok {
		coll.Close()
		return nil, newError(MapAccessFailed, "target_pid_map not found in collection")
	}

	return &Tracer{
		logger:      logger,
		coreManager: manager,
		objs:        coll,
		targetPid:   targetPid,
	}, nil
}

// Attach installs the tracepoint probe and opens the ring buffer consumer
// that Poll drains. Calling Attach while already Attached is a no-op that
// returns success.
func (t *Tracer) Attach() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.attached {
		return nil
	}
	if t.objs == nil {
		return newError(InvalidState, "tracer already closed")
	}

	prog, ok := t.objs.Programs["handle_sched_migrate_task"]
	if !ok {
		return newError(MapAccessFailed, "handle_sched_migrate_task program not found")
	}

	tp, err := link.Tracepoint("sched", "sched_migrate_task", prog, nil)
	if err != nil {
		return newError(AttachFailed, "attaching tracepoint: %v", err)
	}

	ringMap, ok := t.objs.Maps["migrate_events"]
	if !ok {
		tp.Close()
		return newError(MapAccessFailed, "migrate_events map not found")
	}

	reader, err := ringbuf.NewReader(ringMap)
	if err != nil {
		tp.Close()
		return newError(OpenFailed, "creating ring buffer reader: %v", err)
	}

	t.perfLink = tp
	t.ringReader = reader
	t.attached = true
	return nil
}

// Detach uninstalls the tracepoint probe and closes the ring buffer
// consumer. Calling Detach while Loaded (not attached) is a no-op. Events
// already sitting in the ring buffer when Detach runs are discarded; drain
// with Poll first if they matter.
func (t *Tracer) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.attached {
		return
	}
	if t.perfLink != nil {
		t.perfLink.Close()
		t.perfLink = nil
	}
	if t.ringReader != nil {
		t.ringReader.Close()
		t.ringReader = nil
	}
	t.attached = false
}

// Poll drains migration events currently available on the ring buffer,
// invoking callback once per event, and returns the number delivered.
// When nothing is immediately available it blocks for up to timeoutMs
// before returning zero. callback runs synchronously on the caller's
// goroutine and must not block; Poll does not return until callback does.
//
// Poll must be called only from the goroutine that owns this Tracer, and
// never concurrently with Attach or Detach.
func (t *Tracer) Poll(timeoutMs int, callback func(events.MigrationEvent)) (int, error) {
	t.mu.Lock()
	reader := t.ringReader
	attached := t.attached
	t.mu.Unlock()

	if !attached || reader == nil {
		return 0, newError(InvalidState, "tracer not attached")
	}

	reader.SetDeadline(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond))

	delivered := 0
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				return delivered, nil
			}
			return delivered, newError(MapAccessFailed, "reading ring buffer: %v", err)
		}

		event, err := decodeMigrateEvent(record.RawSample)
		if err != nil {
			atomic.AddUint64(&t.dropped, 1)
			t.logger.Error(err, "decoding migration event")
			continue
		}

		atomic.AddUint64(&t.eventCount, 1)
		delivered++
		callback(event)

		// Something arrived: stop waiting once the ring buffer is empty.
		reader.SetDeadline(time.Now())
	}
}

// SetTargetPid filters captured migrations to a single process, or to
// every process when pid is 0.
func (t *Tracer) SetTargetPid(pid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.targetPid == nil {
		return newError(InvalidState, "tracer has no target_pid map")
	}
	if err := t.targetPid.Update(targetPidKey, pid, ebpf.UpdateAny); err != nil {
		return newError(MapAccessFailed, "updating target_pid_map: %v", err)
	}
	return nil
}

// IsRunning reports whether the tracer is currently attached and able to
// deliver events via Poll.
func (t *Tracer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached
}

// EventCount returns the total number of migration events delivered since
// the Tracer was created. It is not reset by Attach or Detach.
func (t *Tracer) EventCount() uint64 {
	return atomic.LoadUint64(&t.eventCount)
}

// DroppedEvents returns the number of ring buffer records that failed to
// decode.
func (t *Tracer) DroppedEvents() uint64 {
	return atomic.LoadUint64(&t.dropped)
}

// wireMigrateEventSize is the fixed size of struct migrate_event from
// ebpf/include/migrate_common.h: 8 + 4*4 + 16 bytes.
const wireMigrateEventSize = 40

func decodeMigrateEvent(raw []byte) (events.MigrationEvent, error) {
	if len(raw) < wireMigrateEventSize {
		return events.MigrationEvent{}, fmt.Errorf("short record: %d bytes, want %d", len(raw), wireMigrateEventSize)
	}

	var wire struct {
		TimestampNs uint64
		Pid         uint32
		Tid         uint32
		SrcCpu      uint32
		DstCpu      uint32
		Comm        [events.MaxCommLength]byte
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &wire); err != nil {
		return events.MigrationEvent{}, fmt.Errorf("decoding wire struct: %w", err)
	}

	return events.MigrationEvent{
		TimestampNs: wire.TimestampNs,
		Pid:         wire.Pid,
		Tid:         wire.Tid,
		SrcCpu:      wire.SrcCpu,
		DstCpu:      wire.DstCpu,
		Comm:        wire.Comm,
	}, nil
}

// Close detaches (if attached) and releases the loaded BPF collection.
// Safe to call more than once.
func (t *Tracer) Close() {
	t.Detach()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.objs != nil {
		t.objs.Close()
		t.objs = nil
	}
}
