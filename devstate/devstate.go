/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package devstate drives a single device's sysfs state attribute (C8):
// issuing boot/reset/shutdown transitions and polling for a target
// state within a caller-supplied timeout.
package devstate

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/coprocfleet/micctrl/diag"
)

// DefaultSysfsRoot is where the driver exposes one directory per device.
const DefaultSysfsRoot = "/sys/class/mic"

// State is a value of the device's `state` sysfs attribute.
type State int

const (
	StateUnknown State = iota
	StateReady
	StateBooting
	StateOnline
	StateShuttingDown
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateBooting:
		return "booting"
	case StateOnline:
		return "online"
	case StateShuttingDown:
		return "shutting_down"
	case StateResetting:
		return "resetting"
	}
	return "unknown"
}

// ParseState maps the sysfs attribute's raw string onto a State. A
// "boot:..."-prefixed value (as briefly visible right after a write) is
// treated as booting; anything unrecognized is StateUnknown rather than
// an error, since the driver can legitimately report other substates
// this controller does not act on.
func ParseState(raw string) State {
	s := strings.TrimSpace(raw)
	switch {
	case s == "ready":
		return StateReady
	case s == "online":
		return StateOnline
	case s == "shutting_down":
		return StateShuttingDown
	case s == "resetting":
		return StateResetting
	case strings.HasPrefix(s, "booting"), strings.HasPrefix(s, "boot:"):
		return StateBooting
	}
	return StateUnknown
}

// Device addresses one device's sysfs attribute directory.
type Device struct {
	Fs   afero.Fs
	Root string // defaults to DefaultSysfsRoot
	ID   int
}

func (d Device) root() string {
	if d.Root == "" {
		return DefaultSysfsRoot
	}
	return d.Root
}

func (d Device) dir() string {
	return d.root() + "/mic" + strconv.Itoa(d.ID)
}

func (d Device) attrPath(name string) string {
	return d.dir() + "/" + name
}

// ReadAttr reads one of serialnumber/stepping/mode/image/state.
func (d Device) ReadAttr(name string) (string, error) {
	b, err := afero.ReadFile(d.Fs, d.attrPath(name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// WriteAttr writes value to the named attribute (only "state" is
// writable on real hardware, but the method stays general for tests).
func (d Device) WriteAttr(name, value string) error {
	return afero.WriteFile(d.Fs, d.attrPath(name), []byte(value), 0644)
}

// CurrentState reads and parses the state attribute.
func (d Device) CurrentState() (State, error) {
	raw, err := d.ReadAttr("state")
	if err != nil {
		return StateUnknown, err
	}
	return ParseState(raw), nil
}

// Boot issues the boot transition with the given kernel and initrd
// paths (initrd may be an image path or "-" for none, per the driver's
// own convention; this package does not interpret it further).
func (d Device) Boot(kernel, initrd string) error {
	return d.WriteAttr("state", fmt.Sprintf("boot:linux:%s:%s", kernel, initrd))
}

// Reset issues a reset transition, forced or graceful.
func (d Device) Reset(force bool) error {
	if force {
		return d.WriteAttr("state", "reset:force")
	}
	return d.WriteAttr("state", "reset")
}

// Shutdown issues a graceful shutdown transition.
func (d Device) Shutdown() error {
	return d.WriteAttr("state", "shutdown")
}

// ErrTimeout is returned by WaitFor when the deadline elapses before the
// target state is observed. It is distinct from forcing a reset: the
// caller decides whether to force after seeing this error.
var ErrTimeout = errors.New("devstate: timed out waiting for target state")

// Sleeper abstracts time.Sleep so tests can drive WaitFor's polling loop
// without actually waiting in real time.
type Sleeper func(time.Duration)

// WaitFor polls state once per second until it equals target or the
// bound elapses. timeoutSeconds is the per-device shutdowntimeout
// directive value: negative means wait forever, zero means fall back to
// callerDefault (the invocation's --timeout). Seeing "ready" transiently
// while waiting for a different terminal state is tolerated: the loop
// re-reads once more after an extra two seconds before deciding it is
// still not at target, rather than treating the mismatch as fatal.
func (d Device) WaitFor(target State, timeoutSeconds, callerDefault int, sleep Sleeper, diags *diag.List) error {
	if sleep == nil {
		sleep = time.Sleep
	}
	bound := timeoutSeconds
	if bound == 0 {
		bound = callerDefault
	}
	infinite := bound < 0

	elapsed := 0
	for {
		cur, err := d.CurrentState()
		if err != nil {
			return err
		}
		if cur == target {
			return nil
		}
		if cur == StateReady && target != StateReady {
			diags.Infof(d.deviceName(), "saw ready while waiting for %s, re-reading after grace period", target)
			sleep(2 * time.Second)
			elapsed += 2
			cur, err = d.CurrentState()
			if err != nil {
				return err
			}
			if cur == target {
				return nil
			}
		}
		if !infinite && elapsed >= bound {
			return fmt.Errorf("%w: still %s after %ds, wanted %s", ErrTimeout, cur, bound, target)
		}
		sleep(1 * time.Second)
		elapsed++
	}
}

func (d Device) deviceName() string {
	return "mic" + strconv.Itoa(d.ID)
}

var deviceDirRE = regexp.MustCompile(`^mic(\d+)$`)

// Discover scans root for mic<digits> entries and returns their device
// IDs in ascending order.
func Discover(fs afero.Fs, root string) ([]int, error) {
	if root == "" {
		root = DefaultSysfsRoot
	}
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		m := deviceDirRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
