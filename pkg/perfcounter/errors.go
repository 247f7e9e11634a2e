// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfcounter

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorKind is the closed set of failure modes a Group's syscalls can
// produce.
type ErrorKind uint8

const (
	OpenFailed ErrorKind = iota + 1
	ReadFailed
	EventNotSupported
	PermissionDenied
	InvalidTarget
	TooManyEvents
	InvalidState
)

func (k ErrorKind) String() string {
	switch k {
	case OpenFailed:
		return "perf_event_open() failed"
	case ReadFailed:
		return "failed to read PMU counter"
	case EventNotSupported:
		return "PMU event not supported on this hardware"
	case PermissionDenied:
		return "permission denied for PMU access"
	case InvalidTarget:
		return "invalid thread or process ID"
	case TooManyEvents:
		return "too many PMU events for available counters"
	case InvalidState:
		return "PMU counter in invalid state"
	default:
		return "unknown PMU error"
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

// errnoToKind maps a perf_event_open() failure to this package's error
// taxonomy, per the §4.2 mapping table.
func errnoToKind(err error) ErrorKind {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return OpenFailed
	}

	switch errno {
	case unix.EACCES, unix.EPERM:
		return PermissionDenied
	case unix.ENOENT, unix.ENODEV, unix.EOPNOTSUPP:
		return EventNotSupported
	case unix.ESRCH, unix.EINVAL:
		return InvalidTarget
	case unix.EMFILE, unix.ENFILE:
		return TooManyEvents
	default:
		return OpenFailed
	}
}
