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
)

func TestExportDirForSplitNFS(t *testing.T) {
	cfg := &config.Config{RootDev: config.RootDev{
		Kind: config.RootSplitNFS, Target: "/var/mpss/mic0", UsrExport: "/var/mpss/mic0.export/usr",
	}}
	require.Equal(t, "/var/mpss/mic0.export/usr", exportDirFor(cfg))
}

func TestExportDirForPlainNFS(t *testing.T) {
	cfg := &config.Config{RootDev: config.RootDev{Kind: config.RootNFS, Target: "/var/mpss/mic0"}}
	require.Equal(t, "/var/mpss/mic0", exportDirFor(cfg))
}

func TestHostClause(t *testing.T) {
	cfg := &config.Config{Net: config.Net{DeviceIP: "172.31.1.1"}}
	require.Equal(t, "172.31.1.1", hostClause(cfg))

	cfg = &config.Config{}
	require.Equal(t, "*", hostClause(cfg))
}

func TestUpsertExportsEntryAppendsThenReplaces(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := &config.Config{
		RootDev: config.RootDev{Kind: config.RootNFS, Target: "/var/mpss/mic0"},
		Net:     config.Net{DeviceIP: "172.31.1.1"},
	}
	require.NoError(t, afero.WriteFile(fs, exportsPath, []byte("/srv/other *(ro)\n"), 0644))

	require.NoError(t, upsertExportsEntry(fs, exportsPath, cfg))
	lines, err := readTextLines(fs, exportsPath)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], "/var/mpss/mic0 172.31.1.1(rw,sync,no_root_squash)")

	cfg.Net.DeviceIP = "172.31.1.2"
	require.NoError(t, upsertExportsEntry(fs, exportsPath, cfg))
	lines, err = readTextLines(fs, exportsPath)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], "172.31.1.2(rw,sync,no_root_squash)")
}

func TestRemoveExportsEntryLeavesOthers(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := &config.Config{RootDev: config.RootDev{Kind: config.RootNFS, Target: "/var/mpss/mic0"}}
	require.NoError(t, upsertExportsEntry(fs, exportsPath, cfg))
	require.NoError(t, afero.WriteFile(fs, exportsPath, []byte("/srv/other *(ro)\n/var/mpss/mic0 *(rw,sync,no_root_squash) #Generated-by-micctrl\n"), 0644))

	require.NoError(t, removeExportsEntry(fs, exportsPath, cfg))

	lines, err := readTextLines(fs, exportsPath)
	require.NoError(t, err)
	require.Equal(t, []string{"/srv/other *(ro)"}, lines)
}

func TestActionRootDevArgBounds(t *testing.T) {
	require.Error(t, actionRootDev(nil, nil, nil))
	require.Error(t, actionRootDev(nil, nil, []string{"a", "b", "c", "d"}))
}

func TestReadTextLinesMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	lines, err := readTextLines(fs, "/etc/exports")
	require.NoError(t, err)
	require.Nil(t, lines)
}
