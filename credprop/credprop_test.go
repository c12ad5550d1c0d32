/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package credprop

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (client, daemon net.Conn) {
	t.Helper()
	c, d := net.Pipe()
	t.Cleanup(func() { c.Close(); d.Close() })
	return c, d
}

func TestSyncCookieHandshake(t *testing.T) {
	client, daemon := pipe(t)

	go func() {
		op, err := readOp(daemon)
		require.NoError(t, err)
		require.Equal(t, OpMonitorStart, op)
		var uid uint32
		require.NoError(t, binary.Read(daemon, binary.LittleEndian, &uid))
		require.Equal(t, uint32(1000), uid)

		require.NoError(t, writeOp(daemon, OpReqCredential))
		require.NoError(t, binary.Write(daemon, binary.LittleEndian, uint64(0xDEADBEEFCAFE)))
	}()

	cookie, err := SyncCookie(client, 1000)
	require.NoError(t, err)
	require.Equal(t, Cookie(0xDEADBEEFCAFE), cookie)
}

func TestAddUserRoundTripWithFiles(t *testing.T) {
	client, daemon := pipe(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		op, err := readOp(daemon)
		require.NoError(t, err)
		require.Equal(t, OpMicctrlAddUser, op)
		var cookie uint64
		require.NoError(t, binary.Read(daemon, binary.LittleEndian, &cookie))
		require.Equal(t, uint64(42), cookie)

		req, err := ReadAddUserRequest(daemon)
		require.NoError(t, err)
		require.Equal(t, "alice:x:1001:1001::/home/alice:/bin/sh", req.PasswdLine)
		require.Equal(t, "alice:*:14914::::::", req.ShadowLine)
		require.False(t, req.NoHome)
		require.Len(t, req.Files, 1)
		require.Equal(t, "/home/alice/.ssh/id_rsa.pub", req.Files[0].DestPath)
		require.Equal(t, []byte("ssh-rsa AAAA..."), req.Files[0].Body)

		require.NoError(t, writeOp(daemon, OpAUAck))
	}()

	req := AddUserRequest{
		PasswdLine: "alice:x:1001:1001::/home/alice:/bin/sh",
		ShadowLine: "alice:*:14914::::::",
		Files: []FileRecord{
			{DestPath: "/home/alice/.ssh/id_rsa.pub", Body: []byte("ssh-rsa AAAA..."), Uid: 1001, Gid: 1001, Mode: 0644},
		},
	}
	reply, err := AddUser(client, Cookie(42), req)
	require.NoError(t, err)
	require.Equal(t, OpAUAck, reply)
	<-done
}

func TestAddUserNoHomeSkipsFileRecords(t *testing.T) {
	client, daemon := pipe(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = readOp(daemon)
		var cookie uint64
		_ = binary.Read(daemon, binary.LittleEndian, &cookie)
		req, err := ReadAddUserRequest(daemon)
		require.NoError(t, err)
		require.True(t, req.NoHome)
		require.Empty(t, req.Files)
		require.NoError(t, writeOp(daemon, OpAUAck))
	}()

	_, err := AddUser(client, Cookie(1), AddUserRequest{PasswdLine: "p", ShadowLine: "s", NoHome: true})
	require.NoError(t, err)
	<-done
}

func TestAddUserReturnsNackedError(t *testing.T) {
	client, daemon := pipe(t)
	go func() {
		_, _ = readOp(daemon)
		var cookie uint64
		_ = binary.Read(daemon, binary.LittleEndian, &cookie)
		_, _ = ReadAddUserRequest(daemon)
		_ = writeOp(daemon, OpAUNakName)
	}()

	_, err := AddUser(client, Cookie(1), AddUserRequest{PasswdLine: "p", ShadowLine: "s", NoHome: true})
	require.ErrorIs(t, err, ErrNacked)
}

func TestDelUserRoundTrip(t *testing.T) {
	client, daemon := pipe(t)
	go func() {
		op, _ := readOp(daemon)
		require.Equal(t, OpDelUser, op)
		var cookie uint64
		_ = binary.Read(daemon, binary.LittleEndian, &cookie)
		user, err := readLenPrefixed(daemon, maxFieldLen)
		require.NoError(t, err)
		require.Equal(t, "alice", string(user))
		home, err := readLenPrefixed(daemon, maxFieldLen)
		require.NoError(t, err)
		require.Equal(t, "/home/alice", string(home))
		var rm uint32
		require.NoError(t, binary.Read(daemon, binary.LittleEndian, &rm))
		require.Equal(t, uint32(1), rm)
		require.NoError(t, writeOp(daemon, OpDUAck))
	}()

	reply, err := DelUser(client, Cookie(7), "alice", "/home/alice", true)
	require.NoError(t, err)
	require.Equal(t, OpDUAck, reply)
}

func TestAddGroupRoundTrip(t *testing.T) {
	client, daemon := pipe(t)
	go func() {
		_, _ = readOp(daemon)
		var cookie uint64
		_ = binary.Read(daemon, binary.LittleEndian, &cookie)
		line, err := readLenPrefixed(daemon, maxFieldLen)
		require.NoError(t, err)
		require.Equal(t, "devs:x:2000:", string(line))
		require.NoError(t, writeOp(daemon, OpAGAck))
	}()

	reply, err := AddGroup(client, Cookie(3), "devs:x:2000:")
	require.NoError(t, err)
	require.Equal(t, OpAGAck, reply)
}

func TestChangeSyslogFile(t *testing.T) {
	client, daemon := pipe(t)
	go func() {
		op, _ := readOp(daemon)
		require.Equal(t, OpSyslogFile, op)
		var cookie uint64
		_ = binary.Read(daemon, binary.LittleEndian, &cookie)
		require.Equal(t, uint64(9), cookie)
		path, err := readLenPrefixed(daemon, maxFieldLen)
		require.NoError(t, err)
		require.Equal(t, "/var/log/mic0.log", string(path))
		require.NoError(t, writeOp(daemon, OpSLAck))
	}()

	reply, err := ChangeSyslog(client, Cookie(9), "/var/log/mic0.log")
	require.NoError(t, err)
	require.Equal(t, OpSLAck, reply)
}

func TestChangeSyslogResetSkipsPath(t *testing.T) {
	client, daemon := pipe(t)
	go func() {
		op, _ := readOp(daemon)
		require.Equal(t, OpSyslogReset, op)
		var cookie uint64
		_ = binary.Read(daemon, binary.LittleEndian, &cookie)
		require.NoError(t, writeOp(daemon, OpSLAck))
	}()

	reply, err := ChangeSyslog(client, Cookie(1), "")
	require.NoError(t, err)
	require.Equal(t, OpSLAck, reply)
}

func TestChangeSyslogReturnsNackedError(t *testing.T) {
	client, daemon := pipe(t)
	go func() {
		_, _ = readOp(daemon)
		var cookie uint64
		_ = binary.Read(daemon, binary.LittleEndian, &cookie)
		_, _ = readLenPrefixed(daemon, maxFieldLen)
		require.NoError(t, writeOp(daemon, OpAUNakName))
	}()

	_, err := ChangeSyslog(client, Cookie(1), "/var/log/mic0.log")
	require.ErrorIs(t, err, ErrNacked)
}
