package direxport

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/diag"
	"github.com/coprocfleet/micctrl/fstree"
	"github.com/coprocfleet/micctrl/log"
)

func newDiags() *diag.List { return diag.New(log.NewDiscard()) }

func TestEmitRegularFileAndDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/etc/hostname", []byte("mic0\n"), 0644))

	tr := fstree.New()
	diags := newDiags()
	tr.Insert("/etc/hostname", fstree.Node{Kind: fstree.File, Source: "/src/etc/hostname", Mode: 0644, Uid: 0, Gid: 0}, diags, "mic0")

	target := NewMemTarget()
	cfg := &config.Config{Name: "mic0"}
	require.NoError(t, Emit(target, fs, tr, cfg, "/export/mic0", diags))

	dirEntry, ok := target.Entries["/export/mic0/etc"]
	require.True(t, ok)
	require.Equal(t, fstree.Dir, dirEntry.Kind)

	fileEntry, ok := target.Entries["/export/mic0/etc/hostname"]
	require.True(t, ok)
	require.Equal(t, fstree.File, fileEntry.Kind)
	require.Equal(t, []byte("mic0\n"), fileEntry.Data)
	require.Equal(t, 0, fileEntry.Uid)
}

func TestEmitSymlink(t *testing.T) {
	fs := afero.NewMemMapFs()
	tr := fstree.New()
	diags := newDiags()
	tr.Insert("/bin/sh", fstree.Node{Kind: fstree.Symlink, LinkTarget: "/bin/bash", Mode: 0777}, diags, "mic0")

	target := NewMemTarget()
	cfg := &config.Config{Name: "mic0"}
	require.NoError(t, Emit(target, fs, tr, cfg, "/export/mic0", diags))

	e, ok := target.Entries["/export/mic0/bin/sh"]
	require.True(t, ok)
	require.Equal(t, fstree.Symlink, e.Kind)
	require.Equal(t, "/bin/bash", e.LinkTarget)
}

func TestEmitDeviceNode(t *testing.T) {
	fs := afero.NewMemMapFs()
	tr := fstree.New()
	diags := newDiags()
	tr.Insert("/dev/mic0", fstree.Node{Kind: fstree.DeviceNode, Mode: 0660, Major: 10, Minor: 55, DevChar: true}, diags, "mic0")

	target := NewMemTarget()
	cfg := &config.Config{Name: "mic0"}
	require.NoError(t, Emit(target, fs, tr, cfg, "/export/mic0", diags))

	e, ok := target.Entries["/export/mic0/dev/mic0"]
	require.True(t, ok)
	require.Equal(t, fstree.DeviceNode, e.Kind)
}

func TestEmitSplitNFSDivertsUsr(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/bin/tool", []byte("bin"), 0755))

	tr := fstree.New()
	diags := newDiags()
	tr.Insert("/usr/bin/tool", fstree.Node{Kind: fstree.File, Source: "/src/bin/tool", Mode: 0755}, diags, "mic0")
	tr.Insert("/etc/hostname", fstree.Node{Kind: fstree.File, Source: "/src/bin/tool", Mode: 0644}, diags, "mic0")

	target := NewMemTarget()
	cfg := &config.Config{
		Name:    "mic0",
		RootDev: config.RootDev{Kind: config.RootSplitNFS, UsrExport: "/export/usr"},
	}
	require.NoError(t, Emit(target, fs, tr, cfg, "/export/mic0", diags))

	_, ok := target.Entries["/export/usr/bin/tool"]
	require.True(t, ok)
	_, ok = target.Entries["/export/mic0/usr/bin/tool"]
	require.False(t, ok)
	_, ok = target.Entries["/export/mic0/etc/hostname"]
	require.True(t, ok)
}
