/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package fstree builds the in-memory filesystem synthesis tree (C4)
// consumed by the cpio emitter and the directory emitter. A Tree is built
// once by Generate (gen_fs_tree) and walked exactly once by its consumer.
package fstree

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/diag"
)

type NodeKind int

const (
	Dir NodeKind = iota
	File
	Symlink
	DeviceNode
	Pipe
	Socket
)

func (k NodeKind) String() string {
	switch k {
	case Dir:
		return "dir"
	case File:
		return "file"
	case Symlink:
		return "symlink"
	case DeviceNode:
		return "device"
	case Pipe:
		return "pipe"
	case Socket:
		return "socket"
	}
	return "unknown"
}

// Node is one entry of the tree. Uid/Gid of -1 means "inherit from the
// host source file's stat", a sentinel only meaningful before the node
// reaches its consumer.
type Node struct {
	Name       string
	Kind       NodeKind
	Source     string // host-side path to copy data from, for File nodes
	Mode       uint32
	Uid        int32
	Gid        int32
	LinkTarget string
	Major      uint32
	Minor      uint32
	DevChar    bool
	Children   []*Node
}

// Tree is the root of a synthesized filesystem.
type Tree struct {
	Root *Node
}

// Entry is one path/node pair a Planner contributes to a Tree.
type Entry struct {
	Path string
	Node Node
}

// Planner produces extra entries to fold into a Tree after the base
// overlays are walked, e.g. services.Plan's rc5.d symlinks and
// crashdump directory. Generate takes Planners instead of importing
// that logic directly, since those packages depend on fstree's types
// and an import the other way would cycle.
type Planner func(*config.Config) []Entry

// New returns an empty tree with a root directory owned by uid/gid 0,
// mode 0555.
func New() *Tree {
	return &Tree{Root: &Node{Kind: Dir, Mode: 0555}}
}

// Insert places n at path p, creating intermediate default directories
// (mode 0755, uid/gid 0) as needed. A collision at the final path
// component whose type differs from n's is reported as an Info
// diagnostic and the insertion is abandoned; a matching final component
// has its source/mode/uid/gid replaced.
func (t *Tree) Insert(p string, n Node, diags *diag.List, device string) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return
	}
	insertList(t.Root, parts, n, diags, device)
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func findChild(children []*Node, name string) (int, bool) {
	idx := sort.Search(len(children), func(i int) bool { return children[i].Name >= name })
	if idx < len(children) && children[idx].Name == name {
		return idx, true
	}
	return idx, false
}

func insertSorted(parent *Node, n *Node) {
	idx, _ := findChild(parent.Children, n.Name)
	parent.Children = append(parent.Children, nil)
	copy(parent.Children[idx+1:], parent.Children[idx:])
	parent.Children[idx] = n
}

func insertList(parent *Node, parts []string, leaf Node, diags *diag.List, device string) {
	name := parts[0]
	idx, found := findChild(parent.Children, name)

	if len(parts) == 1 {
		leaf.Name = name
		if found {
			existing := parent.Children[idx]
			if existing.Kind != leaf.Kind {
				diags.Infof(device, "%s: existing %s node conflicts with new %s node, skipping", name, existing.Kind, leaf.Kind)
				return
			}
			leaf.Children = existing.Children
			parent.Children[idx] = &leaf
			return
		}
		insertSorted(parent, &leaf)
		return
	}

	var child *Node
	if found {
		child = parent.Children[idx]
		if child.Kind != Dir {
			diags.Infof(device, "%s: path component is not a directory, skipping insertion", name)
			return
		}
	} else {
		child = &Node{Name: name, Kind: Dir, Mode: 0755}
		insertSorted(parent, child)
	}
	insertList(child, parts[1:], leaf, diags, device)
}

// Walk visits every node in the tree in ascending-name, pre-order.
func (t *Tree) Walk(fn func(p string, n *Node) error) error {
	return walk(t.Root, "", fn)
}

func walk(n *Node, prefix string, fn func(string, *Node) error) error {
	for _, c := range n.Children {
		p := path.Join(prefix, c.Name)
		if err := fn(p, c); err != nil {
			return err
		}
		if c.Kind == Dir {
			if err := walk(c, p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Generate implements gen_fs_tree: it walks filesrc.base (if a
// directory; a cpio-file base is left for the cpio emitter to stream),
// filesrc.common, each enabled overlay in declaration order, then
// filesrc.mic.
func Generate(fsys afero.Fs, cfg *config.Config, diags *diag.List, planners ...Planner) *Tree {
	t := New()
	device := cfg.Name

	if cfg.FileSrc.Base != "" {
		if isDir(fsys, cfg.FileSrc.Base) {
			walkInto(t, fsys, cfg.FileSrc.Base, "", diags, device)
		}
	}
	if cfg.FileSrc.Common != "" {
		walkInto(t, fsys, cfg.FileSrc.Common, "", diags, device)
	}
	for _, ov := range cfg.FileSrc.Overlays {
		if !ov.Enabled {
			continue
		}
		switch ov.Kind {
		case config.OverlaySimple:
			applySimple(t, fsys, ov, diags, device)
		case config.OverlayFilelist:
			applyFilelist(t, fsys, ov, diags, device)
		case config.OverlayFile:
			applyFile(t, fsys, ov, diags, device)
		case config.OverlayRpm:
			applyRpm(t, fsys, ov, cfg.FileSrc.K1omRpms, diags, device)
		}
	}
	if cfg.FileSrc.Mic != "" {
		walkInto(t, fsys, cfg.FileSrc.Mic, "", diags, device)
	}
	for _, plan := range planners {
		for _, e := range plan(cfg) {
			t.Insert(e.Path, e.Node, diags, device)
		}
	}
	return t
}

func isDir(fsys afero.Fs, p string) bool {
	info, err := fsys.Stat(p)
	return err == nil && info.IsDir()
}

func statOwner(info os.FileInfo) (uid, gid int32) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int32(st.Uid), int32(st.Gid)
	}
	return -1, -1
}

func devNumbers(info os.FileInfo) (major, minor uint32, isChar bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	isChar = info.Mode()&os.ModeCharDevice != 0
	return uint32(unix.Major(uint64(st.Rdev))), uint32(unix.Minor(uint64(st.Rdev))), isChar
}

func nodeFromInfo(fsys afero.Fs, p string, info os.FileInfo) Node {
	uid, gid := statOwner(info)
	mode := uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		return Node{Kind: Dir, Mode: mode, Uid: uid, Gid: gid}
	case info.Mode()&os.ModeSymlink != 0:
		target := ""
		if lr, ok := fsys.(afero.LinkReader); ok {
			target, _ = lr.ReadlinkIfPossible(p)
		}
		return Node{Kind: Symlink, LinkTarget: target, Mode: mode, Uid: uid, Gid: gid}
	case info.Mode()&os.ModeDevice != 0:
		major, minor, isChar := devNumbers(info)
		return Node{Kind: DeviceNode, Major: major, Minor: minor, DevChar: isChar, Mode: mode, Uid: uid, Gid: gid}
	case info.Mode()&os.ModeNamedPipe != 0:
		return Node{Kind: Pipe, Mode: mode, Uid: uid, Gid: gid}
	case info.Mode()&os.ModeSocket != 0:
		return Node{Kind: Socket, Mode: mode, Uid: uid, Gid: gid}
	default:
		return Node{Kind: File, Source: p, Mode: mode, Uid: uid, Gid: gid}
	}
}

func walkInto(t *Tree, fsys afero.Fs, hostDir, targetPrefix string, diags *diag.List, device string) {
	afero.Walk(fsys, hostDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			diags.FSErrorf(device, "walk %s: %v", p, err)
			return nil
		}
		rel, relErr := filepath.Rel(hostDir, p)
		if relErr != nil || rel == "." {
			return nil
		}
		target := path.Join(targetPrefix, filepath.ToSlash(rel))
		t.Insert(target, nodeFromInfo(fsys, p, info), diags, device)
		return nil
	})
}

func applySimple(t *Tree, fsys afero.Fs, ov config.Overlay, diags *diag.List, device string) {
	target := path.Join(ov.Target, filepath.Base(ov.Source))
	walkInto(t, fsys, ov.Source, target, diags, device)
}

func applyFile(t *Tree, fsys afero.Fs, ov config.Overlay, diags *diag.List, device string) {
	info, err := fsys.Stat(ov.Source)
	if err != nil {
		diags.FSErrorf(device, "overlay file %s: %v", ov.Source, err)
		return
	}
	n := nodeFromInfo(fsys, ov.Source, info)
	n.Kind = File
	n.Source = ov.Source
	t.Insert(ov.Target, n, diags, device)
}

// applyRpm expands ov.Source as a glob rooted at rpmDir and inserts every
// match at RPMs-to-install/<basename>.
func applyRpm(t *Tree, fsys afero.Fs, ov config.Overlay, rpmDir string, diags *diag.List, device string) {
	if rpmDir == "" {
		diags.Warnf(device, "Rpm overlay %s has no K1omRpms directory configured, skipping", ov.Source)
		return
	}
	iofs := afero.NewIOFS(fsys)
	pattern := strings.TrimPrefix(path.Join(rpmDir, ov.Source), "/")
	matches, err := doublestar.Glob(iofs, pattern)
	if err != nil {
		diags.FSErrorf(device, "rpm glob %s: %v", ov.Source, err)
		return
	}
	sort.Strings(matches)
	for _, m := range matches {
		full := "/" + m
		info, err := fsys.Stat(full)
		if err != nil {
			diags.FSErrorf(device, "rpm %s: %v", full, err)
			continue
		}
		if info.IsDir() {
			continue
		}
		n := nodeFromInfo(fsys, full, info)
		n.Kind = File
		n.Source = full
		t.Insert(path.Join("RPMs-to-install", filepath.Base(full)), n, diags, device)
	}
}

func applyFilelist(t *Tree, fsys afero.Fs, ov config.Overlay, diags *diag.List, device string) {
	info, err := fsys.Stat(ov.Source)
	if err != nil {
		diags.FSErrorf(device, "filelist %s: %v", ov.Source, err)
		return
	}
	if uid, _ := statOwner(info); uid > 0 {
		diags.Warnf(device, "filelist %s is not owned by uid 0, skipping overlay", ov.Source)
		return
	}
	if info.Mode().Perm()&0022 != 0 {
		diags.Warnf(device, "filelist %s is group- or other-writable, skipping overlay", ov.Source)
		return
	}
	b, err := afero.ReadFile(fsys, ov.Source)
	if err != nil {
		diags.FSErrorf(device, "filelist %s: %v", ov.Source, err)
		return
	}
	for i, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := applyFilelistLine(t, line, diags, device); err != nil {
			diags.Errorf(device, "%s:%d: %v", ov.Source, i+1, err)
		}
	}
}

func applyFilelistLine(t *Tree, line string, diags *diag.List, device string) error {
	f := strings.Fields(line)
	switch f[0] {
	case "dir":
		if len(f) != 5 {
			return fmt.Errorf("dir expects 4 fields, got %d", len(f)-1)
		}
		mode, uid, gid, err := parseModeUidGid(f[2], f[3], f[4])
		if err != nil {
			return err
		}
		t.Insert(f[1], Node{Kind: Dir, Mode: mode, Uid: uid, Gid: gid}, diags, device)
	case "file":
		if len(f) != 6 {
			return fmt.Errorf("file expects 5 fields, got %d", len(f)-1)
		}
		mode, uid, gid, err := parseModeUidGid(f[3], f[4], f[5])
		if err != nil {
			return err
		}
		t.Insert(f[1], Node{Kind: File, Source: f[2], Mode: mode, Uid: uid, Gid: gid}, diags, device)
	case "slink":
		if len(f) != 6 {
			return fmt.Errorf("slink expects 5 fields, got %d", len(f)-1)
		}
		mode, uid, gid, err := parseModeUidGid(f[3], f[4], f[5])
		if err != nil {
			return err
		}
		t.Insert(f[1], Node{Kind: Symlink, LinkTarget: f[2], Mode: mode, Uid: uid, Gid: gid}, diags, device)
	case "nod":
		if len(f) != 8 {
			return fmt.Errorf("nod expects 7 fields, got %d", len(f)-1)
		}
		mode, uid, gid, err := parseModeUidGid(f[2], f[3], f[4])
		if err != nil {
			return err
		}
		isChar := f[5] == "c"
		if !isChar && f[5] != "b" {
			return fmt.Errorf("nod type must be c or b, got %q", f[5])
		}
		major, err := strconv.ParseUint(f[6], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid nod major %q", f[6])
		}
		minor, err := strconv.ParseUint(f[7], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid nod minor %q", f[7])
		}
		t.Insert(f[1], Node{Kind: DeviceNode, Mode: mode, Uid: uid, Gid: gid, DevChar: isChar, Major: uint32(major), Minor: uint32(minor)}, diags, device)
	case "pipe":
		if len(f) != 5 {
			return fmt.Errorf("pipe expects 4 fields, got %d", len(f)-1)
		}
		mode, uid, gid, err := parseModeUidGid(f[2], f[3], f[4])
		if err != nil {
			return err
		}
		t.Insert(f[1], Node{Kind: Pipe, Mode: mode, Uid: uid, Gid: gid}, diags, device)
	case "sock":
		if len(f) != 5 {
			return fmt.Errorf("sock expects 4 fields, got %d", len(f)-1)
		}
		mode, uid, gid, err := parseModeUidGid(f[2], f[3], f[4])
		if err != nil {
			return err
		}
		t.Insert(f[1], Node{Kind: Socket, Mode: mode, Uid: uid, Gid: gid}, diags, device)
	default:
		return fmt.Errorf("unknown filelist entry type %q", f[0])
	}
	return nil
}

func parseModeUidGid(modeS, uidS, gidS string) (mode uint32, uid, gid int32, err error) {
	m, err := strconv.ParseUint(modeS, 8, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid mode %q", modeS)
	}
	u, err := strconv.ParseInt(uidS, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid uid %q", uidS)
	}
	g, err := strconv.ParseInt(gidS, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid gid %q", gidS)
	}
	return uint32(m), int32(u), int32(g), nil
}
