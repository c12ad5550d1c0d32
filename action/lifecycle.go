/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package action

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/coprocfleet/micctrl/persist"
)

// skeletonDirs are the directories spec.md §8 scenario (a) names as the
// outcome of initdefaults on a fresh device: <vardir>/mic<id>/{etc and
// its six subdirectories} plus home/.
var skeletonDirs = []string{
	"etc", "etc/init.d", "etc/rc1.d", "etc/rc5.d", "etc/network", "etc/ssh", "etc/pam.d", "home",
}

func conf1Line(name string) string {
	return fmt.Sprintf("# %s", name)
}

// actionInitDefaults lays down default.conf (once, shared) and this
// device's mic<id>.conf skeleton plus its var-dir tree, and is a no-op
// for a device whose mic<id>.conf already parses, successfully or not —
// scenario (f)'s "Config.valid = false leaves initdefaults a no-op"
// generalizes to "only ever write the skeleton once".
func actionInitDefaults(ctx *Context, ids []int, args []string) error {
	defaultPath := ctx.Env.DefaultConfigPath()
	if exists, _ := afExists(ctx, defaultPath); !exists {
		if err := writeFreshFs(ctx, defaultPath, conf1Line("shared defaults")+"\n"); err != nil {
			ctx.Diags.FSErrorf("default", "initdefaults: %v", err)
			return nil
		}
	}

	for _, id := range ids {
		name := deviceNameForID(id)
		confPath := ctx.Env.DeviceConfigPath(id)
		if exists, _ := afExists(ctx, confPath); exists {
			continue
		}
		if err := writeFreshFs(ctx, confPath, deviceConfSkeleton()); err != nil {
			ctx.Diags.FSErrorf(name, "initdefaults: %v", err)
			continue
		}
		if err := makeDeviceSkeletonDirs(ctx, id); err != nil {
			ctx.Diags.FSErrorf(name, "initdefaults: %v", err)
		}
	}
	return nil
}

func deviceConfSkeleton() string {
	return "Version 1 0\nInclude default.conf\nInclude \"conf.d/*.conf\"\n"
}

func makeDeviceSkeletonDirs(ctx *Context, id int) error {
	root := ctx.Env.DeviceVarDir(id)
	if err := ctx.Env.Fs.MkdirAll(root, 0755); err != nil {
		return err
	}
	for _, d := range skeletonDirs {
		if err := ctx.Env.Fs.MkdirAll(root+"/"+d, 0755); err != nil {
			return err
		}
	}
	return ctx.Env.Fs.MkdirAll(ctx.Env.CommonDir(), 0755)
}

func afExists(ctx *Context, path string) (bool, error) {
	return existsFs(ctx.Env.Fs, path)
}

// writeFreshFs creates path on ctx.Env.Fs with the given content by
// writing a sibling temp file and renaming it over path.
func writeFreshFs(ctx *Context, path, content string) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(ctx.Env.Fs, tmp, []byte(content), 0644); err != nil {
		return err
	}
	return ctx.Env.Fs.Rename(tmp, path)
}

// actionResetConfig rewrites mic<id>.conf back to the bare skeleton
// without touching the device's var-dir content or its persisted MAC
// (Open Question #2: a "random" MAC policy must survive this, since
// persist.macs lives outside the file resetconfig truncates).
func actionResetConfig(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		name := deviceNameForID(id)
		if err := writeFreshFs(ctx, ctx.Env.DeviceConfigPath(id), deviceConfSkeleton()); err != nil {
			ctx.Diags.FSErrorf(name, "resetconfig: %v", err)
		}
	}
	return nil
}

// actionResetDefaults is resetconfig plus re-synthesizing the var-dir
// skeleton, for a device whose etc/home tree was hand-edited into a
// bad state.
func actionResetDefaults(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		name := deviceNameForID(id)
		if err := writeFreshFs(ctx, ctx.Env.DeviceConfigPath(id), deviceConfSkeleton()); err != nil {
			ctx.Diags.FSErrorf(name, "resetdefaults: %v", err)
			continue
		}
		if err := makeDeviceSkeletonDirs(ctx, id); err != nil {
			ctx.Diags.FSErrorf(name, "resetdefaults: %v", err)
		}
	}
	return nil
}

// actionCleanConfig removes a device's configuration and var-dir tree
// entirely, including its persisted MAC — the one lifecycle action that
// Open Question #2 explicitly exempts from MAC retention, since the
// device is being decommissioned rather than merely reconfigured.
func actionCleanConfig(ctx *Context, ids []int, args []string) error {
	store, err := persist.Load(ctx.Env.PersistPath())
	if err != nil {
		ctx.Diags.Warnf("persist", "cleanconfig: could not load persisted MAC store: %v", err)
		store = persist.Parse(nil)
	}

	for _, id := range ids {
		name := deviceNameForID(id)
		if err := ctx.Env.Fs.Remove(ctx.Env.DeviceConfigPath(id)); err != nil {
			ctx.Diags.FSErrorf(name, "cleanconfig: %v", err)
		}
		if err := ctx.Env.Fs.RemoveAll(ctx.Env.DeviceVarDir(id)); err != nil {
			ctx.Diags.FSErrorf(name, "cleanconfig: %v", err)
		}
		store.Delete(id)
	}

	if err := store.Save(ctx.Env.PersistPath()); err != nil {
		ctx.Diags.Warnf("persist", "cleanconfig: could not save persisted MAC store: %v", err)
	}
	return nil
}

// actionConfigShow is read-only: it reloads and prints the merged
// configuration rather than mutating anything, so Run never takes the
// advisory lock for it.
func actionConfigShow(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		fmt.Printf("%s: version=%d.%d rootdev=%s net=%s boot=%s\n",
			cfg.Name, cfg.Version.Major, cfg.Version.Minor, cfg.RootDev.Kind, cfg.Net.Kind, cfg.Boot.OSImage)
	}
	return nil
}
