/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package diag implements the append-only diagnostic accumulator (C3):
// every parse, filesystem, network, and sysfs worker appends to a List
// rather than returning an error up the call stack immediately, so a
// multi-device operation can report every failure instead of stopping
// at the first one.
package diag

import (
	"fmt"
	"sync"

	"github.com/coprocfleet/micctrl/log"
)

// Severity classifies a Diagnostic. Plus is a continuation line attached
// to the previous diagnostic.
type Severity int

const (
	Info Severity = iota
	Warning
	Error
	FS
	Network
	Plus
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case FS:
		return "FS"
	case Network:
		return "NETWORK"
	case Plus:
		return "+"
	}
	return "UNKNOWN"
}

// Diagnostic is a single accumulated message.
type Diagnostic struct {
	Severity Severity
	Device   string // mic<id>, or empty for host-wide diagnostics
	Message  string
}

func (d Diagnostic) String() string {
	if d.Device == "" {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%s[%s]: %s", d.Severity, d.Device, d.Message)
}

// Counters tallies diagnostics by severity across the lifetime of a List,
// surviving explicit per-operation Clear calls so a long-lived dispatcher
// can report totals across multiple devices in a single invocation.
type Counters struct {
	Info, Warning, Error, FS, Network int
}

// List is the append-only diagnostic accumulator for one invocation. It
// is safe for concurrent use, though the controller is single-threaded
// per spec and the lock mainly protects against future callers.
type List struct {
	mtx   sync.Mutex
	items []Diagnostic
	tot   Counters
	lg    *log.Logger
}

// New creates a List that also mirrors every appended diagnostic to lg
// at a severity-appropriate level. Pass log.NewDiscard() to suppress
// mirroring.
func New(lg *log.Logger) *List {
	if lg == nil {
		lg = log.NewDiscard()
	}
	return &List{lg: lg}
}

func (l *List) bump(s Severity) {
	switch s {
	case Info:
		l.tot.Info++
	case Warning:
		l.tot.Warning++
	case Error:
		l.tot.Error++
	case FS:
		l.tot.FS++
	case Network:
		l.tot.Network++
	}
}

// Append records a diagnostic against the given device (empty for
// host-wide) and mirrors it to the logger.
func (l *List) Append(s Severity, device, format string, args ...interface{}) {
	d := Diagnostic{Severity: s, Device: device, Message: fmt.Sprintf(format, args...)}
	l.mtx.Lock()
	l.items = append(l.items, d)
	l.bump(s)
	l.mtx.Unlock()

	switch s {
	case Error, FS, Network:
		l.lg.Error(d.String())
	case Warning:
		l.lg.Warn(d.String())
	default:
		l.lg.Info(d.String())
	}
}

// Errorf is shorthand for Append(Error, device, ...).
func (l *List) Errorf(device, format string, args ...interface{}) {
	l.Append(Error, device, format, args...)
}

// Warnf is shorthand for Append(Warning, device, ...).
func (l *List) Warnf(device, format string, args ...interface{}) {
	l.Append(Warning, device, format, args...)
}

// Infof is shorthand for Append(Info, device, ...).
func (l *List) Infof(device, format string, args ...interface{}) {
	l.Append(Info, device, format, args...)
}

// FSErrorf is shorthand for Append(FS, device, ...).
func (l *List) FSErrorf(device, format string, args ...interface{}) {
	l.Append(FS, device, format, args...)
}

// NetErrorf is shorthand for Append(Network, device, ...).
func (l *List) NetErrorf(device, format string, args ...interface{}) {
	l.Append(Network, device, format, args...)
}

// Items returns a copy of the diagnostics accumulated since the last Clear.
func (l *List) Items() []Diagnostic {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	out := make([]Diagnostic, len(l.items))
	copy(out, l.items)
	return out
}

// Clear empties the per-operation item list. Counters are left intact.
func (l *List) Clear() {
	l.mtx.Lock()
	l.items = nil
	l.mtx.Unlock()
}

// Counts returns the running totals across all Append calls, including
// ones cleared by Clear.
func (l *List) Counts() Counters {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.tot
}

// HasErrors reports whether any Error/FS/Network diagnostic has been
// recorded since the last Clear.
func (l *List) HasErrors() bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, it := range l.items {
		if it.Severity == Error || it.Severity == FS || it.Severity == Network {
			return true
		}
	}
	return false
}

// FailureCount returns the number of Error/FS/Network diagnostics
// recorded since the last Clear, used by the dispatcher to build the
// process exit code.
func (l *List) FailureCount() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	n := 0
	for _, it := range l.items {
		if it.Severity == Error || it.Severity == FS || it.Severity == Network {
			n++
		}
	}
	return n
}
