/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package devstate

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/coprocfleet/micctrl/diag"
	"github.com/coprocfleet/micctrl/log"
)

func newDiags() *diag.List { return diag.New(log.NewDiscard()) }

func newDevice(t *testing.T, state string) (afero.Fs, Device) {
	t.Helper()
	fs := afero.NewMemMapFs()
	d := Device{Fs: fs, ID: 0}
	require.NoError(t, afero.WriteFile(fs, d.attrPath("state"), []byte(state), 0644))
	return fs, d
}

func TestBootWritesExpectedAttribute(t *testing.T) {
	_, d := newDevice(t, "ready")
	require.NoError(t, d.Boot("/boot/vmlinux", "/var/mpss/mic0.image.gz"))
	raw, err := d.ReadAttr("state")
	require.NoError(t, err)
	require.Equal(t, "boot:linux:/boot/vmlinux:/var/mpss/mic0.image.gz", raw)
	state, err := d.CurrentState()
	require.NoError(t, err)
	require.Equal(t, StateBooting, state)
}

func TestResetForceWritesResetForce(t *testing.T) {
	_, d := newDevice(t, "online")
	require.NoError(t, d.Reset(true))
	raw, _ := d.ReadAttr("state")
	require.Equal(t, "reset:force", raw)
}

func TestWaitForReturnsImmediatelyWhenAlreadyAtTarget(t *testing.T) {
	_, d := newDevice(t, "online")
	calls := 0
	err := d.WaitFor(StateOnline, 10, 0, func(time.Duration) { calls++ }, newDiags())
	require.NoError(t, err)
	require.Equal(t, 0, calls)
}

func TestWaitForTimesOutWithoutForcing(t *testing.T) {
	fs, d := newDevice(t, "booting")
	calls := 0
	err := d.WaitFor(StateOnline, 3, 0, func(time.Duration) {
		calls++
		// stays "booting" forever
	}, newDiags())
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, calls, 3)

	raw, _ := afero.ReadFile(fs, d.attrPath("state"))
	require.Equal(t, "booting", string(raw))
}

func TestWaitForToleratesTransientReady(t *testing.T) {
	fs, d := newDevice(t, "ready")
	step := 0
	err := d.WaitFor(StateOnline, 10, 0, func(time.Duration) {
		step++
		if step == 1 {
			// after the 2-second grace re-read, flip to the real target
			require.NoError(t, afero.WriteFile(fs, d.attrPath("state"), []byte("online"), 0644))
		}
	}, newDiags())
	require.NoError(t, err)
}

func TestWaitForZeroTimeoutUsesCallerDefault(t *testing.T) {
	_, d := newDevice(t, "booting")
	calls := 0
	err := d.WaitFor(StateOnline, 0, 2, func(time.Duration) { calls++ }, newDiags())
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, calls, 2)
}

func TestWaitForNegativeTimeoutWaitsForever(t *testing.T) {
	fs, d := newDevice(t, "booting")
	calls := 0
	err := d.WaitFor(StateOnline, -1, 0, func(time.Duration) {
		calls++
		if calls == 5 {
			require.NoError(t, afero.WriteFile(fs, d.attrPath("state"), []byte("online"), 0644))
		}
	}, newDiags())
	require.NoError(t, err)
	require.Equal(t, 5, calls)
}

func TestDiscoverFindsDeviceDirsInOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/sys/class/mic/mic1", 0755))
	require.NoError(t, fs.MkdirAll("/sys/class/mic/mic0", 0755))
	require.NoError(t, fs.MkdirAll("/sys/class/mic/notadevice", 0755))

	ids, err := Discover(fs, "")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, ids)
}

func TestParseStateRecognizesAllTerminalStates(t *testing.T) {
	require.Equal(t, StateReady, ParseState("ready"))
	require.Equal(t, StateOnline, ParseState("online"))
	require.Equal(t, StateShuttingDown, ParseState("shutting_down"))
	require.Equal(t, StateResetting, ParseState("resetting"))
	require.Equal(t, StateBooting, ParseState("boot:linux:/k:/i"))
	require.Equal(t, StateUnknown, ParseState("garbage"))
}
