/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package action implements the command-line dispatcher (C10): it maps
// administrator subcommands onto the components built by the rest of
// this tree, resolves the device argument list, and enforces the
// singleton advisory lock against the supervising daemon. Modeled on
// kitctl/main.go's "parse global flags, switch on args[0], hand the
// remaining args to a per-command function" shape.
package action

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/diag"
	"github.com/coprocfleet/micctrl/log"
	"github.com/coprocfleet/micctrl/menv"
	"github.com/coprocfleet/micctrl/runner"
)

// exitInvalidArgsBase is the process exit code for a usage error, per
// spec.md §6's "argument errors exit with EINVAL | 0x80".
const exitInvalidArgsBase = int(unix.EINVAL) | 0x80

// Context carries everything a command handler needs: the resolved
// host environment, the bridge table shared across every device parsed
// in this invocation, the diagnostic sink, and a process runner for
// external commands.
type Context struct {
	Env     menv.Env
	Bridges *config.BridgeTable
	Diags   *diag.List
	Logger  *log.Logger
	Runner  *runner.Runner

	Wait    bool
	Timeout int
}

// handler runs one subcommand against the resolved device id list and
// any remaining (post-global-flag) arguments. It returns a non-nil
// error only for argument-shape problems; operational failures are
// recorded on ctx.Diags instead, per spec.md's accumulate-don't-abort
// posture.
type handler func(ctx *Context, deviceIDs []int, args []string) error

var stateActions = map[string]handler{
	"boot":     actionBoot,
	"shutdown": actionShutdown,
	"reset":    actionReset,
	"reboot":   actionReboot,
	"status":   actionStatus,
	"wait":     actionWait,
}

var lifecycleActions = map[string]handler{
	"initdefaults":  actionInitDefaults,
	"resetconfig":   actionResetConfig,
	"resetdefaults": actionResetDefaults,
	"cleanconfig":   actionCleanConfig,
	"config-show":   actionConfigShow,
}

var contentActions = map[string]handler{
	"base":      actionSetDirective1("base"),
	"commondir": actionSetDirective1("commondir"),
	"micdir":    actionSetDirective1("micdir"),
	"rpmdir":    actionSetDirective1("k1omrpms"),
	"osimage":   actionSetDirective1("osimage"),
	"overlay":   actionOverlay,
	"autoboot":  actionAutoboot,
	"service":   actionService,
	"cgroup":    actionCgroup,
	"syslog":    actionSyslog,
	"pm":        actionSetDirective1("powermanagement"),
	"mac":       actionMAC,
}

var networkActions = map[string]handler{
	"addbridge": actionAddBridge,
	"delbridge": actionDelBridge,
	"modbridge": actionModBridge,
	"network":   actionNetwork,
	"hostkeys":  actionHostkeys,
	"sshkeys":   actionSSHKeys,
}

var userActions = map[string]handler{
	"userupdate": actionUserUpdate,
	"useradd":    actionUserAdd,
	"userdel":    actionUserDel,
	"groupadd":   actionGroupAdd,
	"groupdel":   actionGroupDel,
	"passwd":     actionPasswd,
	"ldap":       actionLDAP,
	"nis":        actionNIS,
}

var nfsActions = map[string]handler{
	"rootdev":     actionRootDev,
	"addnfs":      actionAddNFS,
	"remnfs":      actionRemNFS,
	"updatenfs":   actionUpdateNFS,
	"updateusr":   actionUpdateUsr,
	"updateramfs": actionUpdateRamfs,
}

// readOnlyActions are the handful that only inspect state; every other
// action mutates device state or configuration and must hold the
// advisory lock against the daemon, per spec.md §4.8's "all
// state-mutating actions ... acquire an advisory file lock".
var readOnlyActions = map[string]bool{
	"status":      true,
	"wait":        true,
	"config-show": true,
}

func needsLock(action string) bool {
	return !readOnlyActions[action]
}

func allActions() map[string]handler {
	out := make(map[string]handler)
	for _, m := range []map[string]handler{stateActions, lifecycleActions, contentActions, networkActions, userActions, nfsActions} {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Run parses global flags out of args, resolves the host environment
// and device list, acquires the advisory lock if the action needs it,
// and dispatches. It returns the process exit code per spec.md §6:
// 0 on full success, a per-invocation failure count (capped to 0x7F)
// otherwise, and exitInvalidArgsBase (EINVAL|0x80) for a usage error.
func Run(fsys afero.Fs, lg *log.Logger, args []string) int {
	fsSet := flag.NewFlagSet("micctrl", flag.ContinueOnError)
	configDir := fsSet.String("configdir", "", "override MPSS_CONFIGDIR")
	destDir := fsSet.String("destdir", "", "override MPSS_DESTDIR (directory export instead of a live device)")
	loglevel := fsSet.String("loglevel", "", "log level: debug, info, warn, error, critical")
	wait := fsSet.Bool("wait", false, "block until the target state is reached (state actions)")
	timeout := fsSet.Int("timeout", 0, "wait timeout in seconds, 0..1800 (0 = component default)")

	if err := fsSet.Parse(args); err != nil {
		return exitInvalidArgsBase
	}
	rest := fsSet.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: micctrl [global options] <action> [device...]")
		return exitInvalidArgsBase
	}
	if *timeout < 0 || *timeout > 1800 {
		fmt.Fprintln(os.Stderr, "--timeout must be within 0..1800")
		return exitInvalidArgsBase
	}
	if *loglevel != "" {
		if err := lg.SetLevelString(*loglevel); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitInvalidArgsBase
		}
	}

	actionName := rest[0]
	h, ok := allActions()[actionName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown action %q\n", actionName)
		return exitInvalidArgsBase
	}

	env, err := menv.Resolve(fsys, *configDir, *destDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidArgsBase
	}

	var fl *flock.Flock
	if needsLock(actionName) {
		fl = flock.New(env.Lockfile)
		locked, err := fl.TryLock()
		if err != nil || !locked {
			fmt.Fprintln(os.Stderr, "daemon is running")
			return exitInvalidArgsBase
		}
		defer fl.Unlock()
	}

	diags := diag.New(lg)
	ctx := &Context{
		Env:     env,
		Bridges: config.NewBridgeTable(),
		Diags:   diags,
		Logger:  lg,
		Runner:  runner.New(runner.Options{Logger: lg}),
		Wait:    *wait,
		Timeout: *timeout,
	}

	deviceArgs, trailing := splitDeviceArgs(rest[1:])
	ids, err := resolveDeviceIDs(fsys, env, deviceArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidArgsBase
	}
	sort.Ints(ids)

	if err := h(ctx, ids, trailing); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidArgsBase
	}

	n := diags.FailureCount()
	if n > 0x7F {
		n = 0x7F
	}
	return n
}

// splitDeviceArgs pulls the leading run of "micN"/bare-integer tokens
// off args as the device list, leaving the rest (sub-option flags like
// a new bridge name or a directive value) for the handler.
func splitDeviceArgs(args []string) (devices, trailing []string) {
	i := 0
	for ; i < len(args); i++ {
		if !looksLikeDevice(args[i]) {
			break
		}
	}
	return args[:i], args[i:]
}

func looksLikeDevice(tok string) bool {
	if tok == "" || strings.HasPrefix(tok, "-") {
		return false
	}
	rest := strings.TrimPrefix(tok, "mic")
	_, err := strconv.Atoi(rest)
	return err == nil
}

// resolveDeviceIDs expands an explicit device-name list, or, if none was
// given, every mic<id>.conf present in the configuration directory, in
// ascending id order per spec.md §5's multi-device processing-order
// guarantee.
func resolveDeviceIDs(fsys afero.Fs, env menv.Env, names []string) ([]int, error) {
	if len(names) > 0 {
		ids := make([]int, 0, len(names))
		for _, n := range names {
			id, err := deviceNameToID(n)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	return discoverConfiguredDevices(fsys, env.ConfigDir)
}

func deviceNameToID(name string) (int, error) {
	rest := strings.TrimPrefix(name, "mic")
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("invalid device name %q", name)
	}
	return id, nil
}

func discoverConfiguredDevices(fsys afero.Fs, confDir string) ([]int, error) {
	entries, err := afero.ReadDir(fsys, confDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "mic") || !strings.HasSuffix(name, ".conf") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "mic"), ".conf"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// loadDevice is the shared per-device load step every handler starts
// with: parse the merged config, skip (with a diagnostic) devices that
// fail to parse rather than aborting the whole multi-device operation.
func loadDevice(ctx *Context, id int) (*config.Config, bool) {
	cfg, status := config.LoadDevice(ctx.Env.Fs, ctx.Env.ConfigDir, id, ctx.Bridges, ctx.Diags)
	if status == config.PARSE_FAIL || !cfg.Valid {
		ctx.Diags.Errorf(cfg.Name, "configuration failed to load (%s)", status)
		return nil, false
	}
	return cfg, true
}
