/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package atomicfile provides tempfile-then-rename writes for the
// files this controller must never leave truncated mid-update:
// per-device config, persist.macs, and /etc/hosts-adjacent credential
// files. A reader opening the file mid-write always sees either the
// pre-update or the post-update content.
package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dchest/safefile"
)

var ErrInvalidPath = errors.New("atomicfile: path is not a regular file target")

// Store guards one path with a mutex and performs every write through
// safefile, matching ingesters/utils/state.go's create-encode-commit-or-
// remove discipline.
type Store struct {
	mtx  sync.Mutex
	path string
	perm os.FileMode
}

// New validates path (it must not exist as a non-regular file) and
// returns a Store for it. The file need not exist yet.
func New(path string, perm os.FileMode) (*Store, error) {
	if clean := filepath.Clean(path); clean == "." {
		return nil, ErrInvalidPath
	} else {
		path = clean
	}
	if fi, err := os.Stat(path); err == nil {
		if !fi.Mode().IsRegular() {
			return nil, ErrInvalidPath
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return &Store{path: path, perm: perm}, nil
}

// WriteBytes atomically replaces the file's contents.
func (s *Store) WriteBytes(data []byte) error {
	return s.WriteFunc(func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteFunc atomically replaces the file's contents with whatever fn
// writes, discarding the temp file if fn or the final rename fails.
func (s *Store) WriteFunc(fn func(io.Writer) error) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	fout, err := safefile.Create(s.path, s.perm)
	if err != nil {
		return err
	}
	name := fout.Name()
	if err := fn(fout); err != nil {
		fout.Close()
		os.Remove(name)
		return err
	}
	if err := fout.Commit(); err != nil {
		fout.Close()
		os.Remove(name)
		return err
	}
	return nil
}

// ReadBytes reads the file's current contents. A missing file is not an
// error; it returns (nil, nil), since most of this package's callers
// treat "no state yet" as an empty starting point.
func (s *Store) ReadBytes() ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// WriteFile is a one-shot atomic write for callers that don't need a
// persistent Store handle.
func WriteFile(path string, perm os.FileMode, data []byte) error {
	s, err := New(path, perm)
	if err != nil {
		return err
	}
	return s.WriteBytes(data)
}
