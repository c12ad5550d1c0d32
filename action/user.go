/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package action

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/credprop"
)

const credpropDialTimeout = 5 * time.Second

// tcpDialer implements credprop.DialTimeout over a real TCP connection
// to the device daemon's well-known port; tests exercising credprop
// itself substitute an in-memory net.Pipe instead of this dialer.
type tcpDialer struct{}

func (tcpDialer) DialTimeout(network, address string, timeout time.Duration) (credprop.Endpoint, error) {
	return net.DialTimeout(network, address, timeout)
}

// dialDevice opens a credential-propagation channel to cfg's device and
// performs the mpss_sync_cookie handshake for the invoking uid.
func dialDevice(cfg *config.Config) (credprop.Endpoint, credprop.Cookie, error) {
	addr := net.JoinHostPort(cfg.Net.DeviceIP, strconv.Itoa(credprop.MPSSDMicctrlPort))
	ep, err := (tcpDialer{}).DialTimeout("tcp", addr, credpropDialTimeout)
	if err != nil {
		return nil, 0, err
	}
	cookie, err := credprop.SyncCookie(ep, uint32(os.Getuid()))
	if err != nil {
		closeEndpoint(ep)
		return nil, 0, err
	}
	return ep, cookie, nil
}

func closeEndpoint(ep credprop.Endpoint) {
	if c, ok := ep.(io.Closer); ok {
		c.Close()
	}
}

func appendLine(fs afero.Fs, path, line string) error {
	existing, _ := afero.ReadFile(fs, path)
	data := string(existing)
	if len(data) > 0 && !strings.HasSuffix(data, "\n") {
		data += "\n"
	}
	data += line + "\n"
	return afero.WriteFile(fs, path, []byte(data), 0644)
}

func removeLineByField(fs afero.Fs, path, key string) error {
	existing, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var out strings.Builder
	for _, line := range strings.Split(string(existing), "\n") {
		if line == "" {
			continue
		}
		if field0(line) == key {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return afero.WriteFile(fs, path, []byte(out.String()), 0644)
}

func field0(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[:i]
	}
	return line
}

func parseFlagMap(args []string) map[string]string {
	m := make(map[string]string)
	for i := 0; i+1 < len(args); i += 2 {
		m[strings.TrimPrefix(args[i], "--")] = args[i+1]
	}
	return m
}

// actionUserAdd appends a passwd/shadow pair to a device's var-dir etc
// tree and propagates the add to the running daemon, matching scenario
// (d): "alice:x:1001:1001:…" to etc/passwd, "alice:*:14914::::::" to
// etc/shadow, then a MICCTRL_ADDUSER exchange over the daemon channel.
func actionUserAdd(ctx *Context, ids []int, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("useradd requires <name> [--uid N] [--gid N] [--home dir] [--shell sh]")
	}
	name := args[0]
	flags := parseFlagMap(args[1:])
	home := flags["home"]
	if home == "" {
		home = "/home/" + name
	}
	shell := flags["shell"]
	if shell == "" {
		shell = "/bin/sh"
	}
	passwdLine := fmt.Sprintf("%s:x:%s:%s::%s:%s", name, flags["uid"], flags["gid"], home, shell)
	shadowLine := fmt.Sprintf("%s:*:14914::::::", name)

	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		etcDir := ctx.Env.DeviceVarDir(id) + "/etc"
		if err := appendLine(ctx.Env.Fs, etcDir+"/passwd", passwdLine); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "useradd: %v", err)
			continue
		}
		if err := appendLine(ctx.Env.Fs, etcDir+"/shadow", shadowLine); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "useradd: %v", err)
		}
		propagateUserAdd(ctx, cfg, passwdLine, shadowLine)
	}
	return nil
}

func propagateUserAdd(ctx *Context, cfg *config.Config, passwdLine, shadowLine string) {
	ep, cookie, err := dialDevice(cfg)
	if err != nil {
		ctx.Diags.Warnf(cfg.Name, "useradd: daemon propagation failed: %v", err)
		return
	}
	defer closeEndpoint(ep)
	req := credprop.AddUserRequest{PasswdLine: passwdLine, ShadowLine: shadowLine, NoHome: true}
	if _, err := credprop.AddUser(ep, cookie, req); err != nil {
		ctx.Diags.Warnf(cfg.Name, "useradd: daemon propagation failed: %v", err)
	}
}

// actionUserUpdate replaces an existing passwd entry's home/shell
// fields; there is no dedicated daemon update op, so the change is
// re-sent as an AddUserRequest, matching how the daemon itself treats a
// repeat MICCTRL_ADDUSER as an overwrite.
func actionUserUpdate(ctx *Context, ids []int, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("userupdate requires <name> [--home dir] [--shell sh]")
	}
	name := args[0]
	flags := parseFlagMap(args[1:])

	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		etcDir := ctx.Env.DeviceVarDir(id) + "/etc"
		passwdPath := etcDir + "/passwd"
		updated, shadowLine, err := updatePasswdLine(ctx.Env.Fs, passwdPath, name, flags)
		if err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "userupdate: %v", err)
			continue
		}
		propagateUserAdd(ctx, cfg, updated, shadowLine)
	}
	return nil
}

func updatePasswdLine(fs afero.Fs, path, name string, flags map[string]string) (passwdLine, shadowLine string, err error) {
	b, rerr := afero.ReadFile(fs, path)
	if rerr != nil && !os.IsNotExist(rerr) {
		return "", "", rerr
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		if line == "" {
			continue
		}
		if field0(line) != name {
			out = append(out, line)
			continue
		}
		fields := strings.Split(line, ":")
		for len(fields) < 7 {
			fields = append(fields, "")
		}
		if v, ok := flags["home"]; ok {
			fields[5] = v
		}
		if v, ok := flags["shell"]; ok {
			fields[6] = v
		}
		passwdLine = strings.Join(fields, ":")
		out = append(out, passwdLine)
	}
	if passwdLine == "" {
		return "", "", fmt.Errorf("no passwd entry for %q", name)
	}
	if err := writeTextLines(fs, path, out); err != nil {
		return "", "", err
	}
	return passwdLine, fmt.Sprintf("%s:*:14914::::::", name), nil
}

// actionUserDel removes a device's passwd/shadow lines for name and
// notifies the daemon; --remove additionally requests home-directory
// removal on the device side.
func actionUserDel(ctx *Context, ids []int, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("userdel requires <name>")
	}
	name := args[0]
	remove := containsFlag(args, "--remove")

	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		etcDir := ctx.Env.DeviceVarDir(id) + "/etc"
		if err := removeLineByField(ctx.Env.Fs, etcDir+"/passwd", name); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "userdel: %v", err)
		}
		if err := removeLineByField(ctx.Env.Fs, etcDir+"/shadow", name); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "userdel: %v", err)
		}
		propagateUserDel(ctx, cfg, name, remove)
	}
	return nil
}

func propagateUserDel(ctx *Context, cfg *config.Config, name string, remove bool) {
	ep, cookie, err := dialDevice(cfg)
	if err != nil {
		ctx.Diags.Warnf(cfg.Name, "userdel: daemon propagation failed: %v", err)
		return
	}
	defer closeEndpoint(ep)
	if _, err := credprop.DelUser(ep, cookie, name, "/home/"+name, remove); err != nil {
		ctx.Diags.Warnf(cfg.Name, "userdel: daemon propagation failed: %v", err)
	}
}

// actionGroupAdd appends an /etc/group line and propagates it.
func actionGroupAdd(ctx *Context, ids []int, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("groupadd requires <name> [gid]")
	}
	name := args[0]
	gid := ""
	if len(args) > 1 {
		gid = args[1]
	}
	groupLine := fmt.Sprintf("%s:x:%s:", name, gid)

	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		path := ctx.Env.DeviceVarDir(id) + "/etc/group"
		if err := appendLine(ctx.Env.Fs, path, groupLine); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "groupadd: %v", err)
			continue
		}
		ep, cookie, err := dialDevice(cfg)
		if err != nil {
			ctx.Diags.Warnf(cfg.Name, "groupadd: daemon propagation failed: %v", err)
			continue
		}
		if _, err := credprop.AddGroup(ep, cookie, groupLine); err != nil {
			ctx.Diags.Warnf(cfg.Name, "groupadd: daemon propagation failed: %v", err)
		}
		closeEndpoint(ep)
	}
	return nil
}

// actionGroupDel removes an /etc/group line and propagates the removal.
func actionGroupDel(ctx *Context, ids []int, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("groupdel requires <name>")
	}
	name := args[0]

	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		path := ctx.Env.DeviceVarDir(id) + "/etc/group"
		if err := removeLineByField(ctx.Env.Fs, path, name); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "groupdel: %v", err)
			continue
		}
		ep, cookie, err := dialDevice(cfg)
		if err != nil {
			ctx.Diags.Warnf(cfg.Name, "groupdel: daemon propagation failed: %v", err)
			continue
		}
		if _, err := credprop.DelGroup(ep, cookie, name); err != nil {
			ctx.Diags.Warnf(cfg.Name, "groupdel: daemon propagation failed: %v", err)
		}
		closeEndpoint(ep)
	}
	return nil
}

// actionPasswd rewrites a user's shadow entry with a caller-supplied
// hash and propagates the change. Passing "-" for the hash reads it
// from the controlling terminal instead, so a pasted hash never lands
// in shell history or a process listing.
func actionPasswd(ctx *Context, ids []int, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("passwd requires <name> <shadow-hash>|-")
	}
	name, hash := args[0], args[1]
	if hash == "-" {
		var err error
		hash, err = readHashFromTerminal()
		if err != nil {
			return fmt.Errorf("passwd: %w", err)
		}
	}
	shadowLine := fmt.Sprintf("%s:%s:14914::::::", name, hash)

	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		path := ctx.Env.DeviceVarDir(id) + "/etc/shadow"
		if err := replaceLineByField(ctx.Env.Fs, path, name, shadowLine); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "passwd: %v", err)
			continue
		}
		ep, cookie, err := dialDevice(cfg)
		if err != nil {
			ctx.Diags.Warnf(cfg.Name, "passwd: daemon propagation failed: %v", err)
			continue
		}
		if _, err := credprop.ChangePassword(ep, cookie, name, shadowLine); err != nil {
			ctx.Diags.Warnf(cfg.Name, "passwd: daemon propagation failed: %v", err)
		}
		closeEndpoint(ep)
	}
	return nil
}

// readHashFromTerminal prompts for a shadow hash with echo disabled
// when stdin is a terminal, falling back to a plain line read (for
// scripted invocations that pipe the hash in) otherwise.
func readHashFromTerminal() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Scanln(&line); err != nil {
			return "", err
		}
		return line, nil
	}
	fmt.Fprint(os.Stderr, "shadow hash: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func replaceLineByField(fs afero.Fs, path, key, replacement string) error {
	b, err := afero.ReadFile(fs, path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	var out []string
	replaced := false
	for _, line := range strings.Split(string(b), "\n") {
		if line == "" {
			continue
		}
		if field0(line) == key {
			out = append(out, replacement)
			replaced = true
			continue
		}
		out = append(out, line)
	}
	if !replaced {
		out = append(out, replacement)
	}
	return writeTextLines(fs, path, out)
}

// sendSyslogChange forwards a syslog redirection request to a device's
// daemon; "reset" restores the daemon's default destination.
func sendSyslogChange(ctx *Context, cfg *config.Config, arg string) error {
	ep, cookie, err := dialDevice(cfg)
	if err != nil {
		return err
	}
	defer closeEndpoint(ep)
	path := arg
	if strings.EqualFold(arg, "reset") {
		path = ""
	}
	_, err = credprop.ChangeSyslog(ep, cookie, path)
	return err
}

// actionLDAP and actionNIS set the deprecated UserAuthentication
// directive: parse.go accepts it with a deprecation warning, and this controller's Open
// Question resolution keeps it a warned no-op rather than wiring actual
// LDAP/NIS client configuration — the daemon-side auth backend that
// directive would have configured is out of scope.
func actionLDAP(ctx *Context, ids []int, args []string) error {
	return setDeprecatedAuth(ctx, ids, "ldap")
}

func actionNIS(ctx *Context, ids []int, args []string) error {
	return setDeprecatedAuth(ctx, ids, "nis")
}

func setDeprecatedAuth(ctx *Context, ids []int, kind string) error {
	for _, id := range ids {
		name := deviceNameForID(id)
		ctx.Diags.Warnf(name, "%s: UserAuthentication is deprecated and ignored", kind)
		if err := rewriteDirective(ctx.Env.DeviceConfigPath(id), "userauthentication", kind); err != nil {
			ctx.Diags.FSErrorf(name, "%s: %v", kind, err)
		}
	}
	return nil
}
