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
	"time"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/cpio"
	"github.com/coprocfleet/micctrl/devstate"
	"github.com/coprocfleet/micctrl/direxport"
	"github.com/coprocfleet/micctrl/fstree"
	"github.com/coprocfleet/micctrl/netrecon"
	"github.com/coprocfleet/micctrl/persist"
	"github.com/coprocfleet/micctrl/services"
)

// defaultWaitTimeout is the fallback bound (seconds) for a --wait with
// no --timeout and no per-device ShutdownTimeout override.
const defaultWaitTimeout = 300

// runnerAdapter narrows runner.Runner down to netrecon.Runner's single
// method, since netrecon doesn't need (and shouldn't import) runner's
// Options/Credential types.
type runnerAdapter struct{ inner interface {
	Run(ctx context.Context, name string, args ...string) error
} }

func (a runnerAdapter) Run(name string, args ...string) error {
	return a.inner.Run(context.Background(), name, args...)
}

func device(ctx *Context, id int) devstate.Device {
	return devstate.Device{Fs: ctx.Env.Fs, ID: id}
}

// buildAndBootOne reconciles networking, synthesizes the filesystem
// tree, emits the device image (cpio, or a directory export when
// --destdir is set), and issues the boot transition, in that order:
// networking is reconciled before the state-driver write, and the image
// is emitted only once the tree is fully built. Persisted MAC identity (Open Question #2) is
// consulted before a fresh random MAC would otherwise be generated.
func buildAndBootOne(ctx *Context, id int) *config.Config {
	cfg, ok := loadDevice(ctx, id)
	if !ok {
		return nil
	}

	dev := device(ctx, id)
	serial, _ := dev.ReadAttr("serialnumber")

	deviceMAC, hostMAC := resolvePersistentMACs(ctx, id, cfg, serial)
	cfg.Net.DeviceMAC, cfg.Net.HostMAC = deviceMAC, hostMAC

	if err := netrecon.Reconcile(ctx.Env, runnerAdapter{ctx.Runner}, ctx.Bridges, cfg, hostMAC, ctx.Diags); err != nil {
		ctx.Diags.NetErrorf(cfg.Name, "network reconciliation failed: %v", err)
		return nil
	}

	tr := fstree.Generate(ctx.Env.Fs, cfg, ctx.Diags, services.Plan)

	if ctx.Env.DestDir != "" {
		if err := direxport.Emit(direxport.OSTarget{}, ctx.Env.Fs, tr, cfg, ctx.Env.DestDir+"/"+cfg.Name, ctx.Diags); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "directory export failed: %v", err)
			return nil
		}
	} else {
		if err := cpio.Emit(ctx.Env.Fs, tr, cfg, ctx.Env.DeviceImagePath(id), uint32(time.Now().Unix()), ctx.Diags); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "image build failed: %v", err)
			return nil
		}
	}

	if err := dev.Boot(cfg.Boot.OSImage, ctx.Env.DeviceImagePath(id)); err != nil {
		ctx.Diags.Errorf(cfg.Name, "boot write failed: %v", err)
	}
	return cfg
}

// resolvePersistentMACs is netrecon.ResolveMACs plus the persist-store
// consultation described in DESIGN.md's Open Question #2 decision: a
// "random" MAC policy must not reassign a new address on every
// resetconfig/boot cycle, so the store is checked first and only
// populated the first time a random MAC is actually generated.
func resolvePersistentMACs(ctx *Context, id int, cfg *config.Config, serial string) (deviceMAC, hostMAC string) {
	store, err := persist.Load(ctx.Env.PersistPath())
	if err != nil {
		ctx.Diags.Warnf(cfg.Name, "could not load persisted MAC store: %v", err)
		store = persist.Parse(nil)
	}

	if cfg.Net.DeviceMAC == "random" {
		if mac, ok := store.Lookup(id); ok {
			deviceMAC, hostMAC = mac, mac
			return
		}
	}

	deviceMAC, hostMAC = netrecon.ResolveMACs(cfg, serial, id, ctx.Diags)

	if cfg.Net.DeviceMAC == "random" {
		store.Set(id, deviceMAC)
		if err := store.Save(ctx.Env.PersistPath()); err != nil {
			ctx.Diags.Warnf(cfg.Name, "could not persist random MAC: %v", err)
		}
	}
	return
}

func waitBound(ctx *Context, cfg *config.Config) int {
	if ctx.Timeout != 0 {
		return ctx.Timeout
	}
	if cfg.Misc.ShutdownTimeout != 0 {
		return cfg.Misc.ShutdownTimeout
	}
	return defaultWaitTimeout
}

func waitForState(ctx *Context, id int, cfg *config.Config, target devstate.State) {
	if !ctx.Wait {
		return
	}
	dev := device(ctx, id)
	if err := dev.WaitFor(target, ctx.Timeout, waitBound(ctx, cfg), time.Sleep, ctx.Diags); err != nil {
		ctx.Diags.Errorf(cfg.Name, "wait for %s failed: %v", target, err)
	}
}

func actionBoot(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		if cfg := buildAndBootOne(ctx, id); cfg != nil {
			waitForState(ctx, id, cfg, devstate.StateOnline)
		}
	}
	return nil
}

func actionShutdown(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		if err := device(ctx, id).Shutdown(); err != nil {
			ctx.Diags.Errorf(cfg.Name, "shutdown failed: %v", err)
			continue
		}
		waitForState(ctx, id, cfg, devstate.StateReady)
	}
	return nil
}

func actionReset(ctx *Context, ids []int, args []string) error {
	force := containsFlag(args, "--force")
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		if err := device(ctx, id).Reset(force); err != nil {
			ctx.Diags.Errorf(cfg.Name, "reset failed: %v", err)
			continue
		}
		waitForState(ctx, id, cfg, devstate.StateReady)
	}
	return nil
}

// actionReboot is a shutdown-then-boot cycle: the driver has no single
// "reboot" sysfs transition, so the dispatcher sequences the two state
// actions itself, waiting for ready in between regardless of --wait so
// the subsequent boot doesn't race the shutdown.
func actionReboot(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		dev := device(ctx, id)
		if err := dev.Shutdown(); err != nil {
			ctx.Diags.Errorf(cfg.Name, "reboot: shutdown failed: %v", err)
			continue
		}
		if err := dev.WaitFor(devstate.StateReady, ctx.Timeout, waitBound(ctx, cfg), time.Sleep, ctx.Diags); err != nil {
			ctx.Diags.Errorf(cfg.Name, "reboot: %v", err)
			continue
		}
		if cfg := buildAndBootOne(ctx, id); cfg != nil {
			waitForState(ctx, id, cfg, devstate.StateOnline)
		}
	}
	return nil
}

func actionStatus(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		dev := device(ctx, id)
		st, err := dev.CurrentState()
		if err != nil {
			ctx.Diags.Errorf(deviceNameForID(id), "could not read state: %v", err)
			continue
		}
		fmt.Printf("mic%d: %s\n", id, st)
	}
	return nil
}

// actionWait waits for an explicit target state (args[0], default
// "online") regardless of --wait, since "wait" is itself the point of
// the action.
func actionWait(ctx *Context, ids []int, args []string) error {
	target := devstate.StateOnline
	if len(args) > 0 {
		target = parseTargetState(args[0])
	}
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		bound := defaultWaitTimeout
		if ok {
			bound = waitBound(ctx, cfg)
		}
		dev := device(ctx, id)
		if err := dev.WaitFor(target, ctx.Timeout, bound, time.Sleep, ctx.Diags); err != nil {
			ctx.Diags.Errorf(deviceNameForID(id), "wait failed: %v", err)
		}
	}
	return nil
}

func parseTargetState(s string) devstate.State {
	switch s {
	case "ready":
		return devstate.StateReady
	case "booting":
		return devstate.StateBooting
	case "online":
		return devstate.StateOnline
	case "shutting_down":
		return devstate.StateShuttingDown
	case "resetting":
		return devstate.StateResetting
	}
	return devstate.StateOnline
}

func containsFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func deviceNameForID(id int) string {
	return fmt.Sprintf("mic%d", id)
}
