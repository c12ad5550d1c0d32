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
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/cpio"
	"github.com/coprocfleet/micctrl/direxport"
	"github.com/coprocfleet/micctrl/fstree"
	"github.com/coprocfleet/micctrl/services"
)

const exportsPath = "/etc/exports"
const exportsMarker = "#Generated-by-micctrl"

// actionRootDev rewrites the RootDevice directive (kind [target]
// [usrexport]), per config/parse.go's doRootDevice arg order.
func actionRootDev(ctx *Context, ids []int, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("rootdev requires <kind> [target] [usrexport]")
	}
	for _, id := range ids {
		if err := rewriteDirective(ctx.Env.DeviceConfigPath(id), "rootdevice", args...); err != nil {
			ctx.Diags.FSErrorf(deviceNameForID(id), "rootdev: %v", err)
		}
	}
	return nil
}

// actionAddNFS exports a device's configured root target over NFS by
// upserting a tagged /etc/exports entry and re-exporting, the host-side
// complement to an Rootdevice NFS/SplitNFS directive set via rootdev.
func actionAddNFS(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		if err := upsertExportsEntry(ctx.Env.Fs, exportsPath, cfg); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "addnfs: %v", err)
			continue
		}
		reexport(ctx, cfg)
	}
	return nil
}

// actionRemNFS removes a device's generated /etc/exports entry.
func actionRemNFS(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok {
			continue
		}
		if err := removeExportsEntry(ctx.Env.Fs, exportsPath, cfg); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "remnfs: %v", err)
			continue
		}
		reexport(ctx, cfg)
	}
	return nil
}

func reexport(ctx *Context, cfg *config.Config) {
	if err := ctx.Runner.Run(context.Background(), "exportfs", "-ra"); err != nil {
		ctx.Diags.Warnf(cfg.Name, "exportfs -ra: %v", err)
	}
}

func upsertExportsEntry(fs afero.Fs, path string, cfg *config.Config) error {
	lines, err := readTextLines(fs, path)
	if err != nil {
		return err
	}
	entry := fmt.Sprintf("%s %s(rw,sync,no_root_squash) %s", exportDirFor(cfg), hostClause(cfg), exportsMarker)
	var out []string
	replaced := false
	for _, line := range lines {
		if strings.HasSuffix(strings.TrimSpace(line), exportsMarker) && strings.HasPrefix(line, exportDirFor(cfg)+" ") {
			if !replaced {
				out = append(out, entry)
				replaced = true
			}
			continue
		}
		out = append(out, line)
	}
	if !replaced {
		out = append(out, entry)
	}
	return writeTextLines(fs, path, out)
}

func removeExportsEntry(fs afero.Fs, path string, cfg *config.Config) error {
	lines, err := readTextLines(fs, path)
	if err != nil {
		return err
	}
	var out []string
	for _, line := range lines {
		if strings.HasSuffix(strings.TrimSpace(line), exportsMarker) && strings.HasPrefix(line, exportDirFor(cfg)+" ") {
			continue
		}
		out = append(out, line)
	}
	return writeTextLines(fs, path, out)
}

func exportDirFor(cfg *config.Config) string {
	if cfg.RootDev.Kind == config.RootSplitNFS && cfg.RootDev.UsrExport != "" {
		return cfg.RootDev.UsrExport
	}
	return cfg.RootDev.Target
}

func hostClause(cfg *config.Config) string {
	if cfg.Net.DeviceIP != "" {
		return cfg.Net.DeviceIP
	}
	return "*"
}

func readTextLines(fs afero.Fs, path string) ([]string, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "no such file") {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, l := range strings.Split(string(b), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

func writeTextLines(fs afero.Fs, path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return afero.WriteFile(fs, path, []byte(b.String()), 0644)
}

// actionUpdateNFS re-synthesizes a running device's NFS-exported tree in
// place, for an NFS/SplitNFS root that doesn't need a reboot to pick up
// a content change.
func actionUpdateNFS(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok || (cfg.RootDev.Kind != config.RootNFS && cfg.RootDev.Kind != config.RootSplitNFS) {
			continue
		}
		tr := fstree.Generate(ctx.Env.Fs, cfg, ctx.Diags, services.Plan)
		if err := direxport.Emit(direxport.OSTarget{}, ctx.Env.Fs, tr, cfg, cfg.RootDev.Target, ctx.Diags); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "updatenfs: %v", err)
		}
	}
	return nil
}

// actionUpdateUsr refreshes only the diverted /usr export of a SplitNFS
// root device, leaving the per-device export root untouched.
func actionUpdateUsr(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok || cfg.RootDev.Kind != config.RootSplitNFS {
			continue
		}
		tr := fstree.Generate(ctx.Env.Fs, cfg, ctx.Diags, services.Plan)
		usr := fstree.New()
		for _, c := range tr.Root.Children {
			if c.Name == "usr" {
				usr.Root.Children = append(usr.Root.Children, c)
			}
		}
		if err := direxport.Emit(direxport.OSTarget{}, ctx.Env.Fs, usr, cfg, cfg.RootDev.UsrExport, ctx.Diags); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "updateusr: %v", err)
		}
	}
	return nil
}

// actionUpdateRamfs rebuilds a RamFS/StaticRamFS device's cpio image in
// place without touching boot state, for pushing new content a device
// will pick up on its next boot or forced reset.
func actionUpdateRamfs(ctx *Context, ids []int, args []string) error {
	for _, id := range ids {
		cfg, ok := loadDevice(ctx, id)
		if !ok || (cfg.RootDev.Kind != config.RootRamFS && cfg.RootDev.Kind != config.RootStaticRamFS) {
			continue
		}
		tr := fstree.Generate(ctx.Env.Fs, cfg, ctx.Diags, services.Plan)
		if err := cpio.Emit(ctx.Env.Fs, tr, cfg, ctx.Env.DeviceImagePath(id), uint32(time.Now().Unix()), ctx.Diags); err != nil {
			ctx.Diags.FSErrorf(cfg.Name, "updateramfs: %v", err)
		}
	}
	return nil
}
