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
)

func TestField0(t *testing.T) {
	require.Equal(t, "alice", field0("alice:x:1001:1001::/home/alice:/bin/sh"))
	require.Equal(t, "noColon", field0("noColon"))
}

func TestParseFlagMap(t *testing.T) {
	m := parseFlagMap([]string{"--uid", "1001", "--home", "/home/alice"})
	require.Equal(t, "1001", m["uid"])
	require.Equal(t, "/home/alice", m["home"])
	require.Len(t, m, 2)
}

func TestAppendLineCreatesAndAppends(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, appendLine(fs, "/mic0/etc/passwd", "alice:x:1001:1001::/home/alice:/bin/sh"))
	require.NoError(t, appendLine(fs, "/mic0/etc/passwd", "bob:x:1002:1002::/home/bob:/bin/sh"))

	b, err := afero.ReadFile(fs, "/mic0/etc/passwd")
	require.NoError(t, err)
	require.Equal(t, "alice:x:1001:1001::/home/alice:/bin/sh\nbob:x:1002:1002::/home/bob:/bin/sh\n", string(b))
}

func TestRemoveLineByField(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mic0/etc/passwd",
		[]byte("alice:x:1001:1001::/home/alice:/bin/sh\nbob:x:1002:1002::/home/bob:/bin/sh\n"), 0644))

	require.NoError(t, removeLineByField(fs, "/mic0/etc/passwd", "alice"))

	b, err := afero.ReadFile(fs, "/mic0/etc/passwd")
	require.NoError(t, err)
	require.Equal(t, "bob:x:1002:1002::/home/bob:/bin/sh\n", string(b))
}

func TestRemoveLineByFieldMissingFileIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, removeLineByField(fs, "/mic0/etc/passwd", "alice"))
}

func TestReplaceLineByField(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mic0/etc/shadow", []byte("alice:*:14914::::::\n"), 0644))

	require.NoError(t, replaceLineByField(fs, "/mic0/etc/shadow", "alice", "alice:$6$hash:14914::::::"))

	b, err := afero.ReadFile(fs, "/mic0/etc/shadow")
	require.NoError(t, err)
	require.Equal(t, "alice:$6$hash:14914::::::\n", string(b))
}

func TestReplaceLineByFieldAppendsWhenMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, replaceLineByField(fs, "/mic0/etc/shadow", "alice", "alice:$6$hash:14914::::::"))

	b, err := afero.ReadFile(fs, "/mic0/etc/shadow")
	require.NoError(t, err)
	require.Equal(t, "alice:$6$hash:14914::::::\n", string(b))
}

func TestUpdatePasswdLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mic0/etc/passwd",
		[]byte("alice:x:1001:1001::/home/alice:/bin/sh\n"), 0644))

	passwdLine, shadowLine, err := updatePasswdLine(fs, "/mic0/etc/passwd", "alice", map[string]string{"shell": "/bin/bash"})
	require.NoError(t, err)
	require.Equal(t, "alice:x:1001:1001::/home/alice:/bin/bash", passwdLine)
	require.Equal(t, "alice:*:14914::::::", shadowLine)

	b, err := afero.ReadFile(fs, "/mic0/etc/passwd")
	require.NoError(t, err)
	require.Equal(t, "alice:x:1001:1001::/home/alice:/bin/bash\n", string(b))
}

func TestActionUserAddRequiresName(t *testing.T) {
	require.Error(t, actionUserAdd(nil, nil, nil))
}

func TestActionUserDelRequiresName(t *testing.T) {
	require.Error(t, actionUserDel(nil, nil, nil))
}

func TestActionGroupAddRequiresName(t *testing.T) {
	require.Error(t, actionGroupAdd(nil, nil, nil))
}

func TestActionGroupDelRequiresExactlyOneArg(t *testing.T) {
	require.Error(t, actionGroupDel(nil, nil, nil))
	require.Error(t, actionGroupDel(nil, nil, []string{"a", "b"}))
}

func TestActionPasswdRequiresTwoArgs(t *testing.T) {
	require.Error(t, actionPasswd(nil, nil, []string{"alice"}))
}

func TestUpdatePasswdLineUnknownUser(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mic0/etc/passwd", []byte("alice:x:1001:1001::/home/alice:/bin/sh\n"), 0644))

	_, _, err := updatePasswdLine(fs, "/mic0/etc/passwd", "bob", nil)
	require.Error(t, err)
}
