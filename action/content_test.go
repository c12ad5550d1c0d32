/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package action

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// These only exercise the argument-shape validation each content
// handler does before it ever touches a conf file; the conf-file
// rewrite itself goes through atomicfile's real-filesystem path (see
// directive_test.go's TestRewriteLinesRoundTrip) rather than ctx.Env.Fs.

func TestActionSetDirective1RequiresValue(t *testing.T) {
	h := actionSetDirective1("base")
	err := h(nil, []int{0}, nil)
	require.Error(t, err)
}

func TestActionOverlayRequiresThreeOrFourArgs(t *testing.T) {
	require.Error(t, actionOverlay(nil, []int{0}, []string{"ReadOnly", "/src"}))
	require.Error(t, actionOverlay(nil, []int{0}, []string{"ReadOnly", "/src", "/dst", "yes", "extra"}))
}

func TestActionAutobootRequiresExactlyOneArg(t *testing.T) {
	require.Error(t, actionAutoboot(nil, []int{0}, nil))
	require.Error(t, actionAutoboot(nil, []int{0}, []string{"on", "off"}))
}

func TestActionServiceArgBounds(t *testing.T) {
	require.Error(t, actionService(nil, []int{0}, nil))
	require.Error(t, actionService(nil, []int{0}, []string{"a", "b", "c", "d", "e"}))
}

func TestActionCgroupRequiresExactlyOneArg(t *testing.T) {
	require.Error(t, actionCgroup(nil, []int{0}, nil))
}

func TestActionSyslogRequiresExactlyOneArg(t *testing.T) {
	require.Error(t, actionSyslog(nil, []int{0}, nil))
}

func TestActionMACRequiresExactlyOneArg(t *testing.T) {
	require.Error(t, actionMAC(nil, []int{0}, nil))
}
