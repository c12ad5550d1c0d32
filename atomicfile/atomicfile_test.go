/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteBytesThenReadBytesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.macs")

	s, err := New(path, 0644)
	require.NoError(t, err)

	require.NoError(t, s.WriteBytes([]byte("mic0 4C:79:BA:00:00:00\n")))
	b, err := s.ReadBytes()
	require.NoError(t, err)
	require.Equal(t, "mic0 4C:79:BA:00:00:00\n", string(b))
}

func TestReadBytesOfMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "absent"), 0644)
	require.NoError(t, err)
	b, err := s.ReadBytes()
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestWriteFuncLeavesNoTempFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	s, err := New(path, 0644)
	require.NoError(t, err)

	wantErr := errors.New("boom")
	err = s.WriteFunc(func(_ io.Writer) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestNewRejectsDirectoryPath(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir, 0644)
	require.Error(t, err)
}
