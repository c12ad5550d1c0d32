/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package persist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSkipsBlankCommentAndMalformedLines(t *testing.T) {
	s := Parse([]byte("# persisted device MACs\n\nmic0 4C:79:BA:B0:96:82\nbadline\nmic1 4C:79:BA:B0:96:84\nmic oops\n"))
	mac0, ok := s.Lookup(0)
	require.True(t, ok)
	require.Equal(t, "4C:79:BA:B0:96:82", mac0)
	mac1, ok := s.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "4C:79:BA:B0:96:84", mac1)
	_, ok = s.Lookup(2)
	require.False(t, ok)
}

func TestSetDeleteAndEncodeRoundTrip(t *testing.T) {
	s := Parse(nil)
	s.Set(1, "4C:79:BA:00:00:01")
	s.Set(0, "4C:79:BA:00:00:00")
	s.Set(2, "4C:79:BA:00:00:02")
	s.Delete(1)

	encoded := Encode(t, s)
	require.Equal(t, "mic0 4C:79:BA:00:00:00\nmic2 4C:79:BA:00:00:02\n", encoded)
}

func Encode(t *testing.T, s *Store) string {
	t.Helper()
	return string(s.Encode())
}

func TestEncodeIsSortedByDeviceID(t *testing.T) {
	s := Parse(nil)
	s.Set(10, "a")
	s.Set(2, "b")
	s.Set(0, "c")
	out := string(s.Encode())
	require.Equal(t, "mic0 c\nmic2 b\nmic10 a\n", out)
}
