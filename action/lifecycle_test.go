/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package action

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/diag"
	"github.com/coprocfleet/micctrl/log"
	"github.com/coprocfleet/micctrl/menv"
)

func newTestContext(fs afero.Fs) *Context {
	return &Context{
		Env: menv.Env{
			Fs:        fs,
			ConfigDir: "/etc/mpss",
			VarDir:    "/var/mpss",
		},
		Bridges: config.NewBridgeTable(),
		Diags:   diag.New(log.NewDiscard()),
	}
}

func TestActionInitDefaultsFreshDevice(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := newTestContext(fs)

	require.NoError(t, actionInitDefaults(ctx, []int{0}, nil))

	exists, err := afero.Exists(fs, "/etc/mpss/default.conf")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = afero.Exists(fs, "/etc/mpss/mic0.conf")
	require.NoError(t, err)
	require.True(t, exists)

	for _, d := range skeletonDirs {
		ok, err := afero.DirExists(fs, "/var/mpss/mic0/"+d)
		require.NoError(t, err)
		require.True(t, ok, "expected skeleton dir %s", d)
	}
	require.Zero(t, ctx.Diags.FailureCount())
}

func TestActionInitDefaultsLeavesExistingConfAlone(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := newTestContext(fs)
	require.NoError(t, afero.WriteFile(fs, "/etc/mpss/mic0.conf", []byte("Version 1 0\nBootOnStart yes\n"), 0644))

	require.NoError(t, actionInitDefaults(ctx, []int{0}, nil))

	b, err := afero.ReadFile(fs, "/etc/mpss/mic0.conf")
	require.NoError(t, err)
	require.Equal(t, "Version 1 0\nBootOnStart yes\n", string(b))
}

func TestActionResetConfigTruncatesToSkeleton(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := newTestContext(fs)
	require.NoError(t, afero.WriteFile(fs, "/etc/mpss/mic0.conf", []byte("Version 1 0\nBootOnStart yes\nHostname custom\n"), 0644))

	require.NoError(t, actionResetConfig(ctx, []int{0}, nil))

	b, err := afero.ReadFile(fs, "/etc/mpss/mic0.conf")
	require.NoError(t, err)
	require.Equal(t, deviceConfSkeleton(), string(b))
}

func TestActionCleanConfigRemovesConfigAndVarDir(t *testing.T) {
	// persist.Load/Save go straight to the real filesystem (see
	// persist.go), so this test sticks to the afero-backed side of
	// cleanconfig: the conf file and var-dir tree it removes through
	// ctx.Env.Fs.
	fs := afero.NewMemMapFs()
	ctx := newTestContext(fs)
	require.NoError(t, afero.WriteFile(fs, "/etc/mpss/mic0.conf", []byte("Version 1 0\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/var/mpss/mic0/etc/passwd", []byte("root:x:0:0::/root:/bin/sh\n"), 0644))

	require.NoError(t, actionCleanConfig(ctx, []int{0}, nil))

	exists, err := afero.Exists(fs, "/etc/mpss/mic0.conf")
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = afero.DirExists(fs, "/var/mpss/mic0")
	require.NoError(t, err)
	require.False(t, exists)
}
