/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package services

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/diag"
	"github.com/coprocfleet/micctrl/fstree"
	"github.com/coprocfleet/micctrl/log"
)

func TestPlanEnabledServiceGetsOnlyStartLink(t *testing.T) {
	cfg := &config.Config{Services: []config.Service{
		{Name: "mpssd", StartPriority: 50, StopPriority: 50, Enabled: true},
	}}

	entries := Plan(cfg)
	require.Len(t, entries, 1)
	require.Equal(t, "etc/rc5.d/S50mpssd", entries[0].Path)
	require.Equal(t, fstree.Symlink, entries[0].Node.Kind)
	require.Equal(t, "../init.d/mpssd", entries[0].Node.LinkTarget)
	require.EqualValues(t, 0, entries[0].Node.Uid)
	require.EqualValues(t, 0, entries[0].Node.Gid)
}

func TestPlanDisabledServiceGetsOnlyStopLink(t *testing.T) {
	cfg := &config.Config{Services: []config.Service{
		{Name: "cgroupd", StartPriority: 60, StopPriority: 40, Enabled: false},
	}}

	entries := Plan(cfg)
	require.Len(t, entries, 1)
	require.Equal(t, "etc/rc5.d/K40cgroupd", entries[0].Path)
	require.Equal(t, "../init.d/cgroupd", entries[0].Node.LinkTarget)
}

func TestPlanAddsCrashDumpDirWhenConfigured(t *testing.T) {
	cfg := &config.Config{Misc: config.Misc{CrashDumpDir: "/var/crash/mic0"}}

	entries := Plan(cfg)
	require.Len(t, entries, 1)
	require.Equal(t, "var/crash/mic0", entries[0].Path)
	require.Equal(t, fstree.Dir, entries[0].Node.Kind)
	require.EqualValues(t, 0700, entries[0].Node.Mode)
}

func TestPlanOmitsCrashDumpDirWhenUnset(t *testing.T) {
	entries := Plan(&config.Config{})
	require.Empty(t, entries)
}

func TestGenerateFoldsServicePlanIntoTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	diags := diag.New(log.NewDiscard())
	cfg := &config.Config{
		Name: "mic0",
		Services: []config.Service{
			{Name: "mpssd", StartPriority: 50, StopPriority: 50, Enabled: true},
			{Name: "ofed-mic", StartPriority: 70, StopPriority: 30, Enabled: false},
		},
		Misc: config.Misc{CrashDumpDir: "/var/crash"},
	}

	tr := fstree.Generate(fs, cfg, diags, Plan)

	var found []string
	err := tr.Walk(func(p string, n *fstree.Node) error {
		if p == "etc/rc5.d/S50mpssd" || p == "etc/rc5.d/K30ofed-mic" || p == "var/crash" {
			found = append(found, p)
		}
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"etc/rc5.d/S50mpssd", "etc/rc5.d/K30ofed-mic", "var/crash"}, found)
}
