/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package action

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/netrecon"
)

// actionAddBridge records a new bridge (name kind [ip[/prefix]|dhcp]
// [mtu]) in the process-wide bridge table and lays down its host-side
// network-scripts config, per config/parse.go's doBridge arg order.
func actionAddBridge(ctx *Context, ids []int, args []string) error {
	if len(args) < 2 || len(args) > 4 {
		return fmt.Errorf("addbridge requires <name> <kind> [ip[/prefix]|dhcp] [mtu]")
	}
	br, err := parseBridgeArgs(args)
	if err != nil {
		return err
	}
	ctx.Bridges.Put(br)
	if err := netrecon.EnsureBridgeConfig(ctx.Env.Fs, ctx.Env.Dist, br); err != nil {
		ctx.Diags.NetErrorf(br.Name, "addbridge: %v", err)
	}
	return nil
}

// actionModBridge replaces an existing bridge record's attributes in
// place, reusing the same argument grammar as addbridge.
func actionModBridge(ctx *Context, ids []int, args []string) error {
	if len(args) < 2 || len(args) > 4 {
		return fmt.Errorf("modbridge requires <name> <kind> [ip[/prefix]|dhcp] [mtu]")
	}
	br, err := parseBridgeArgs(args)
	if err != nil {
		return err
	}
	ctx.Bridges.Put(br)
	if err := netrecon.EnsureBridgeConfig(ctx.Env.Fs, ctx.Env.Dist, br); err != nil {
		ctx.Diags.NetErrorf(br.Name, "modbridge: %v", err)
	}
	return nil
}

// actionDelBridge removes a bridge from this invocation's in-memory
// bridge table only. Bridge lines in the conf files and the host's
// bridge config are left unchanged, so a bridge declared there is
// present again on the next load.
func actionDelBridge(ctx *Context, ids []int, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("delbridge requires <name>")
	}
	ctx.Bridges.Delete(args[0])
	return nil
}

func parseBridgeArgs(args []string) (config.Bridge, error) {
	kind, err := bridgeKindFromArg(args[1])
	if err != nil {
		return config.Bridge{}, err
	}
	br := config.Bridge{Name: args[0], Kind: kind}
	if len(args) > 2 && !strings.EqualFold(args[2], "dhcp") {
		ip, prefix, err := splitBridgeCIDR(args[2])
		if err != nil {
			return config.Bridge{}, err
		}
		br.IP, br.PrefixBits = ip, prefix
	}
	if len(args) > 3 {
		mtu, err := strconv.Atoi(args[3])
		if err != nil {
			return config.Bridge{}, fmt.Errorf("invalid bridge mtu %q", args[3])
		}
		br.MTU = mtu
	}
	return br, nil
}

// bridgeKindFromArg mirrors config/parse.go's parseBridgeKind; it's
// reimplemented here rather than exported from config because the
// dispatcher's argument-validation errors (usage, not parse-time
// diagnostics) are user-facing in a different way than a conf-file
// parse failure.
func bridgeKindFromArg(s string) (config.BridgeKind, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
	case "internal":
		return config.BridgeInternal, nil
	case "externaldhcp":
		return config.BridgeExternalDHCP, nil
	case "externalstatic":
		return config.BridgeExternalStatic, nil
	}
	return 0, fmt.Errorf("unknown bridge type %q", s)
}

func splitBridgeCIDR(s string) (ip string, prefix int, err error) {
	parts := strings.SplitN(s, "/", 2)
	ip = parts[0]
	if net.ParseIP(ip) == nil {
		return "", 0, fmt.Errorf("invalid bridge ip %q", s)
	}
	if len(parts) == 2 {
		if prefix, err = strconv.Atoi(parts[1]); err != nil {
			return "", 0, fmt.Errorf("invalid bridge prefix %q", s)
		}
	}
	return ip, prefix, nil
}

// actionNetwork rewrites a device's Network directive (class=<kind>
// [key=value...]) and immediately reconciles it, matching scenario (c):
// a live class change takes effect — host-side ifcfg removed/added,
// bridge attachment updated, /etc/hosts updated — without a reboot.
func actionNetwork(ctx *Context, ids []int, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("network requires class=<kind> [key=value...]")
	}
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		if err := rewriteDirective(ctx.Env.DeviceConfigPath(id), "network", args...); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "network: %v", err)
			continue
		}
		cfg, ok = loadDevice(ctx, id)
		if !ok {
			continue
		}
		if err := netrecon.Reconcile(ctx.Env, runnerAdapter{ctx.Runner}, ctx.Bridges, cfg, cfg.Net.HostMAC, ctx.Diags); err != nil {
			ctx.Diags.NetErrorf(cfg.Name, "network: reconciliation failed: %v", err)
		}
	}
	return nil
}

// actionHostkeys generates a device's missing SSH host keys in its
// var-dir etc/ssh, mirroring sshd's own "ssh-keygen -A" bootstrap step
// but scoped under -f to the device's own tree instead of the host's.
func actionHostkeys(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		name := deviceNameForID(id)
		dir := ctx.Env.DeviceVarDir(id)
		if err := ctx.Runner.Run(context.Background(), "ssh-keygen", "-A", "-f", dir); err != nil {
			ctx.Diags.Errorf(name, "hostkeys: %v", err)
		}
	}
	return nil
}

// actionSSHKeys generates a fresh keypair under a user's home directory
// on the device tree. The keys are not sent to the device daemon:
// useradd's request carries only the passwd and shadow lines, with
// NoHome set and no file records.
func actionSSHKeys(ctx *Context, ids []int, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("sshkeys requires <username>")
	}
	user := args[0]
	for _, id := range ids {
		name := deviceNameForID(id)
		home := ctx.Env.DeviceVarDir(id) + "/home/" + user
		if err := ctx.Env.Fs.MkdirAll(home+"/.ssh", 0700); err != nil {
			ctx.Diags.FSErrorf(name, "sshkeys: %v", err)
			continue
		}
		keyPath := home + "/.ssh/id_rsa"
		if err := ctx.Runner.Run(context.Background(), "ssh-keygen", "-t", "rsa", "-N", "", "-f", keyPath); err != nil {
			ctx.Diags.Errorf(name, "sshkeys: %v", err)
		}
	}
	return nil
}
