/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package direxport materializes an FsTree directly onto a destination
// directory (C6), used for NFS/PFS root devices where the device mounts
// a real exported directory instead of booting an in-memory cpio image.
package direxport

import (
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/diag"
	"github.com/coprocfleet/micctrl/fstree"
)

// Target abstracts the destination-filesystem operations this package
// needs beyond what afero.Fs exposes: symlinks, device/fifo/socket
// nodes, and ownership changes. OSTarget is the real implementation;
// tests substitute MemTarget the way the rest of the tree substitutes
// afero.NewMemMapFs.
type Target interface {
	MkdirAll(path string, mode uint32) error
	CopyFile(path string, mode uint32, r io.Reader) error
	Symlink(oldname, newname string) error
	Mknod(path string, mode uint32, dev uint64) error
	Lchown(path string, uid, gid int) error
	Chmod(path string, mode uint32) error
}

// Emit walks tr in declaration order and creates each node under
// destRoot with its recorded ownership and permissions. If cfg's root
// device is SplitNFS, entries under usr/ are diverted into
// cfg.RootDev.UsrExport instead, so that export root can be shared
// read-only across devices.
func Emit(t Target, fsys afero.Fs, tr *fstree.Tree, cfg *config.Config, destRoot string, diags *diag.List) error {
	usrRoot := ""
	if cfg.RootDev.Kind == config.RootSplitNFS {
		usrRoot = cfg.RootDev.UsrExport
	}
	return tr.Walk(func(p string, n *fstree.Node) error {
		root, rel := destRoot, p
		if usrRoot != "" && (p == "usr" || strings.HasPrefix(p, "usr/")) {
			root = usrRoot
			rel = strings.TrimPrefix(strings.TrimPrefix(p, "usr"), "/")
		}
		full := path.Join(root, rel)
		emitNode(t, fsys, full, n, diags, cfg.Name)
		return nil
	})
}

func emitNode(t Target, fsys afero.Fs, full string, n *fstree.Node, diags *diag.List, device string) {
	switch n.Kind {
	case fstree.Dir:
		if err := t.MkdirAll(full, n.Mode); err != nil {
			diags.FSErrorf(device, "mkdir %s: %v", full, err)
			return
		}
	case fstree.File:
		f, err := fsys.Open(n.Source)
		if err != nil {
			diags.FSErrorf(device, "open %s: %v", n.Source, err)
			return
		}
		defer f.Close()
		if err := t.CopyFile(full, n.Mode, f); err != nil {
			diags.FSErrorf(device, "write %s: %v", full, err)
			return
		}
	case fstree.Symlink:
		if err := t.Symlink(n.LinkTarget, full); err != nil {
			diags.FSErrorf(device, "symlink %s: %v", full, err)
			return
		}
		if err := t.Chmod(full, n.Mode); err != nil {
			diags.FSErrorf(device, "chmod %s: %v", full, err)
		}
	case fstree.DeviceNode:
		mode := n.Mode | devTypeBits(n.DevChar)
		if err := t.Mknod(full, mode, unix.Mkdev(n.Major, n.Minor)); err != nil {
			diags.FSErrorf(device, "mknod %s: %v", full, err)
			return
		}
	case fstree.Pipe:
		if err := t.Mknod(full, n.Mode|unix.S_IFIFO, 0); err != nil {
			diags.FSErrorf(device, "mkfifo %s: %v", full, err)
			return
		}
	case fstree.Socket:
		if err := t.Mknod(full, n.Mode|unix.S_IFSOCK, 0); err != nil {
			diags.FSErrorf(device, "mksock %s: %v", full, err)
			return
		}
	}
	if n.Uid >= 0 && n.Gid >= 0 {
		if err := t.Lchown(full, int(n.Uid), int(n.Gid)); err != nil {
			diags.FSErrorf(device, "chown %s: %v", full, err)
		}
	}
}

func devTypeBits(isChar bool) uint32 {
	if isChar {
		return unix.S_IFCHR
	}
	return unix.S_IFBLK
}

// OSTarget materializes nodes on the real filesystem.
type OSTarget struct{}

func (OSTarget) MkdirAll(p string, mode uint32) error { return os.MkdirAll(p, os.FileMode(mode)) }

func (OSTarget) CopyFile(p string, mode uint32, r io.Reader) error {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(mode))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func (OSTarget) Symlink(oldname, newname string) error { return os.Symlink(oldname, newname) }

func (OSTarget) Mknod(p string, mode uint32, dev uint64) error {
	return unix.Mknod(p, mode, int(dev))
}

func (OSTarget) Lchown(p string, uid, gid int) error { return os.Lchown(p, uid, gid) }

func (OSTarget) Chmod(p string, mode uint32) error { return os.Chmod(p, os.FileMode(mode)) }

// MemEntry is one recorded operation against a MemTarget.
type MemEntry struct {
	Kind       fstree.NodeKind
	Mode       uint32
	Uid, Gid   int
	LinkTarget string
	Dev        uint64
	Data       []byte
}

// MemTarget is an in-memory Target used by tests to assert on what would
// have been materialized, without needing root privileges for mknod.
type MemTarget struct {
	Entries map[string]*MemEntry
}

func NewMemTarget() *MemTarget {
	return &MemTarget{Entries: make(map[string]*MemEntry)}
}

func (m *MemTarget) get(p string) *MemEntry {
	e, ok := m.Entries[p]
	if !ok {
		e = &MemEntry{Uid: -1, Gid: -1}
		m.Entries[p] = e
	}
	return e
}

func (m *MemTarget) MkdirAll(p string, mode uint32) error {
	e := m.get(p)
	e.Kind, e.Mode = fstree.Dir, mode
	return nil
}

func (m *MemTarget) CopyFile(p string, mode uint32, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	e := m.get(p)
	e.Kind, e.Mode, e.Data = fstree.File, mode, b
	return nil
}

func (m *MemTarget) Symlink(oldname, newname string) error {
	e := m.get(newname)
	e.Kind, e.LinkTarget = fstree.Symlink, oldname
	return nil
}

func (m *MemTarget) Mknod(p string, mode uint32, dev uint64) error {
	e := m.get(p)
	e.Mode, e.Dev = mode, dev
	switch mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK:
		e.Kind = fstree.DeviceNode
	case unix.S_IFIFO:
		e.Kind = fstree.Pipe
	case unix.S_IFSOCK:
		e.Kind = fstree.Socket
	}
	return nil
}

func (m *MemTarget) Lchown(p string, uid, gid int) error {
	e := m.get(p)
	e.Uid, e.Gid = uid, gid
	return nil
}

func (m *MemTarget) Chmod(p string, mode uint32) error {
	e := m.get(p)
	e.Mode = mode
	return nil
}
