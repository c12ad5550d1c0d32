/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package cpio emits an FsTree as a newc-format cpio archive (C5),
// gzipped with klauspost/compress, optionally preceded by the verbatim,
// trailer-stripped contents of a base cpio image.
package cpio

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/diag"
	"github.com/coprocfleet/micctrl/fstree"
)

const (
	magic       = "070701"
	trailerName = "TRAILER!!!"
	headerLen   = 110 // 6-byte magic + 13 eight-char hex fields
	fsMajor     = 3
	fsMinor     = 1

	maxCpioFileSize = (1 << 32) - 1
)

// field byte offsets within the 110-byte header, used only by the base
// cpio reader which must find namesize/filesize without re-deriving the
// whole record.
const (
	offFilesize = 54
	offNamesize = 94
)

// Emit writes tr to destPath as a gzipped newc cpio stream. destPath must
// end in ".gz". mtime stamps every entry (the archive's emission time).
func Emit(fsys afero.Fs, tr *fstree.Tree, cfg *config.Config, destPath string, mtime uint32, diags *diag.List) error {
	if !strings.HasSuffix(destPath, ".gz") {
		return fmt.Errorf("cpio target %q must end in .gz", destPath)
	}
	out, err := fsys.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		return err
	}
	cw := &countWriter{w: gz}

	if cfg.RootDev.Kind == config.RootRamFS && cfg.FileSrc.Base != "" && !isCpioDir(fsys, cfg.FileSrc.Base) {
		if err := streamBaseCpio(fsys, cfg.FileSrc.Base, cw); err != nil {
			diags.FSErrorf(cfg.Name, "base cpio %s: %v", cfg.FileSrc.Base, err)
		}
	}

	ino := uint32(721)
	if err := writeTree(cw, tr, fsys, &ino, mtime, diags, cfg.Name); err != nil {
		gz.Close()
		return err
	}
	if err := writeEntry(cw, 0, 0, 0, 0, 1, mtime, 0, 0, 0, trailerName, nil); err != nil {
		gz.Close()
		return err
	}
	if pad := (512 - int(cw.n%512)) % 512; pad > 0 {
		if _, err := cw.Write(make([]byte, pad)); err != nil {
			gz.Close()
			return err
		}
	}
	return gz.Close()
}

func isCpioDir(fsys afero.Fs, p string) bool {
	info, err := fsys.Stat(p)
	return err == nil && info.IsDir()
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func typeBits(n *fstree.Node) uint32 {
	switch n.Kind {
	case fstree.Dir:
		return unix.S_IFDIR
	case fstree.File:
		return unix.S_IFREG
	case fstree.Symlink:
		return unix.S_IFLNK
	case fstree.DeviceNode:
		if n.DevChar {
			return unix.S_IFCHR
		}
		return unix.S_IFBLK
	case fstree.Pipe:
		return unix.S_IFIFO
	case fstree.Socket:
		return unix.S_IFSOCK
	}
	return 0
}

func nlinkFor(n *fstree.Node) uint32 {
	switch n.Kind {
	case fstree.Dir, fstree.Pipe, fstree.Socket:
		return 2
	}
	return 1
}

// resolveOwner applies the "-1 means inherit from host source stat" rule.
func resolveOwner(fsys afero.Fs, n *fstree.Node) (uid, gid uint32) {
	u, g := n.Uid, n.Gid
	if (u < 0 || g < 0) && n.Source != "" {
		if info, err := fsys.Stat(n.Source); err == nil {
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				if u < 0 {
					u = int32(st.Uid)
				}
				if g < 0 {
					g = int32(st.Gid)
				}
			}
		}
	}
	if u < 0 {
		u = 0
	}
	if g < 0 {
		g = 0
	}
	return uint32(u), uint32(g)
}

func writeTree(w io.Writer, tr *fstree.Tree, fsys afero.Fs, ino *uint32, mtime uint32, diags *diag.List, device string) error {
	return tr.Walk(func(p string, n *fstree.Node) error {
		uid, gid := resolveOwner(fsys, n)
		mode := n.Mode | typeBits(n)

		var filesize int64
		var rmajor, rminor uint32
		var data io.ReadCloser

		switch n.Kind {
		case fstree.File:
			info, err := fsys.Stat(n.Source)
			if err != nil {
				diags.FSErrorf(device, "stat %s: %v", n.Source, err)
				return nil
			}
			if info.Size() > maxCpioFileSize {
				diags.Errorf(device, "%s: file too large for cpio (%d bytes), skipping", p, info.Size())
				return nil
			}
			filesize = info.Size()
			f, err := fsys.Open(n.Source)
			if err != nil {
				diags.FSErrorf(device, "open %s: %v", n.Source, err)
				return nil
			}
			data = f
		case fstree.Symlink:
			filesize = int64(len(n.LinkTarget))
			data = io.NopCloser(strings.NewReader(n.LinkTarget))
		case fstree.DeviceNode:
			rmajor, rminor = n.Major, n.Minor
		}

		myIno := *ino
		*ino++

		var r io.Reader
		if data != nil {
			defer data.Close()
			r = data
		}
		return writeEntry(w, myIno, mode, uid, gid, nlinkFor(n), mtime, filesize, rmajor, rminor, strings.TrimPrefix(p, "/"), r)
	})
}

func writeEntry(w io.Writer, ino, mode, uid, gid, nlink, mtime uint32, filesize int64, rmajor, rminor uint32, name string, data io.Reader) error {
	namesize := uint32(len(name) + 1)
	hdr := magic +
		hex8(ino) + hex8(mode) + hex8(uid) + hex8(gid) + hex8(nlink) + hex8(mtime) +
		hex8(uint32(filesize)) + hex8(fsMajor) + hex8(fsMinor) + hex8(rmajor) + hex8(rminor) +
		hex8(namesize) + hex8(0)
	if _, err := io.WriteString(w, hdr); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	if err := writePad(w, headerLen+int(namesize)); err != nil {
		return err
	}
	if data != nil {
		n, err := io.Copy(w, data)
		if err != nil {
			return err
		}
		if err := writePad(w, int(n)); err != nil {
			return err
		}
	}
	return nil
}

func hex8(v uint32) string {
	s := strconv.FormatUint(uint64(v), 16)
	if len(s) < 8 {
		s = strings.Repeat("0", 8-len(s)) + s
	}
	return s
}

func writePad(w io.Writer, n int) error {
	if pad := (4 - n%4) % 4; pad > 0 {
		_, err := w.Write(make([]byte, pad))
		return err
	}
	return nil
}

func streamBaseCpio(fsys afero.Fs, path string, w io.Writer) error {
	f, err := fsys.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	return copyCpioWithoutTrailer(gz, w)
}

// copyCpioWithoutTrailer copies every entry of a newc cpio stream to w
// verbatim, stopping (without writing) at the TRAILER!!! entry so the
// incremental tree can be appended without an intermediate end-of-archive
// marker.
func copyCpioWithoutTrailer(r io.Reader, w io.Writer) error {
	hdr := make([]byte, headerLen)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if string(hdr[0:6]) != magic {
			return fmt.Errorf("bad cpio magic in base image")
		}
		namesize, err := parseHex(hdr[offNamesize : offNamesize+8])
		if err != nil {
			return err
		}
		filesize, err := parseHex(hdr[offFilesize : offFilesize+8])
		if err != nil {
			return err
		}

		name := make([]byte, namesize)
		if _, err := io.ReadFull(r, name); err != nil {
			return err
		}
		if trimNUL(name) == trailerName {
			return nil
		}

		if _, err := w.Write(hdr); err != nil {
			return err
		}
		if _, err := w.Write(name); err != nil {
			return err
		}
		if err := skipOrCopyPad(r, w, headerLen+int(namesize)); err != nil {
			return err
		}
		if filesize > 0 {
			if _, err := io.CopyN(w, r, int64(filesize)); err != nil {
				return err
			}
			if err := skipOrCopyPad(r, w, int(filesize)); err != nil {
				return err
			}
		}
	}
}

func skipOrCopyPad(r io.Reader, w io.Writer, n int) error {
	pad := (4 - n%4) % 4
	if pad == 0 {
		return nil
	}
	buf := make([]byte, pad)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

func parseHex(b []byte) (uint32, error) {
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed cpio header field %q: %w", b, err)
	}
	return uint32(v), nil
}

func trimNUL(b []byte) string {
	if idx := strings.IndexByte(string(b), 0); idx >= 0 {
		return string(b[:idx])
	}
	return string(b)
}
