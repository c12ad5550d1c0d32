/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package action

import "fmt"

// actionSetDirective1 builds a handler for every content action that
// replaces a single-value directive line (Base, CommonDir, MicDir,
// K1omRpms, OSImage, PowerManagement) in each device's conf file,
// grounded on config/parse.go's directiveArgs table for the key names
// these values are re-read under on the next parse.
func actionSetDirective1(key string) handler {
	return func(ctx *Context, ids []int, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("%s requires a value", key)
		}
		for _, id := range ids {
			path := ctx.Env.DeviceConfigPath(id)
			if err := rewriteDirective(path, key, args...); err != nil {
				ctx.Diags.FSErrorf(deviceNameForID(id), "%s: %v", key, err)
			}
		}
		return nil
	}
}

// actionOverlay appends an Overlay directive (kind source target
// [enabled]) per config/parse.go's doOverlay arg order. It always
// appends; on the next parse a line with the same kind, source and
// target replaces the earlier overlay, and any other overlay is added
// to the ordered list.
func actionOverlay(ctx *Context, ids []int, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return fmt.Errorf("overlay requires <kind> <source> <target> [enabled]")
	}
	for _, id := range ids {
		path := ctx.Env.DeviceConfigPath(id)
		if err := appendDirective(path, "overlay", args...); err != nil {
			ctx.Diags.FSErrorf(deviceNameForID(id), "overlay: %v", err)
		}
	}
	return nil
}

// actionAutoboot toggles the BootOnStart directive.
func actionAutoboot(ctx *Context, ids []int, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("autoboot requires on|off")
	}
	for _, id := range ids {
		path := ctx.Env.DeviceConfigPath(id)
		if err := rewriteDirective(path, "bootonstart", args[0]); err != nil {
			ctx.Diags.FSErrorf(deviceNameForID(id), "autoboot: %v", err)
		}
	}
	return nil
}

// actionService appends or replaces a Service directive (name [enabled
// [start [stop]]]), per config/parse.go's doService arg order and its
// name-keyed override semantics.
func actionService(ctx *Context, ids []int, args []string) error {
	if len(args) < 1 || len(args) > 4 {
		return fmt.Errorf("service requires <name> [on|off] [start] [stop]")
	}
	for _, id := range ids {
		path := ctx.Env.DeviceConfigPath(id)
		if err := appendDirective(path, "service", args...); err != nil {
			ctx.Diags.FSErrorf(deviceNameForID(id), "service: %v", err)
		}
	}
	return nil
}

// actionCgroup toggles the Cgroup directive (on|off).
func actionCgroup(ctx *Context, ids []int, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("cgroup requires on|off")
	}
	for _, id := range ids {
		path := ctx.Env.DeviceConfigPath(id)
		if err := rewriteDirective(path, "cgroup", args[0]); err != nil {
			ctx.Diags.FSErrorf(deviceNameForID(id), "cgroup: %v", err)
		}
	}
	return nil
}

// actionSyslog has no local conf-file representation; it forwards an
// OpSyslogFile/OpSyslogReset request to a running device's daemon, the
// same channel credprop uses for user/group changes, so a booted
// device's syslog redirection can be changed without a reboot.
func actionSyslog(ctx *Context, ids []int, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("syslog requires <path>|reset")
	}
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		if err := sendSyslogChange(ctx, cfg, args[0]); err != nil {
			ctx.Diags.Warnf(cfg.Name, "syslog: daemon propagation failed: %v", err)
		}
	}
	return nil
}

// actionMAC rewrites the MacAddrs directive's card MAC, which in turn
// drives resolvePersistentMACs on the next boot; it does not itself
// touch persist.macs, since that store only tracks MACs the "random"
// policy generated, not operator-assigned ones.
func actionMAC(ctx *Context, ids []int, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("mac requires <address>|serial|random")
	}
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		path := ctx.Env.DeviceConfigPath(id)
		if err := rewriteDirective(path, "macaddrs", args[0]); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "mac: %v", err)
		}
	}
	return nil
}
