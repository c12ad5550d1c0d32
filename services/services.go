/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package services expands a device's service-enablement list and
// crashdump directory into fstree entries (C12), grounded on
// mpss3/mpss-daemon/micctrl/init.c's check_services: one rc5.d symlink
// per service, pointing back at ../init.d/<name>, plus an optional
// crashdump directory. Plan is called from fstree.Generate as its last
// synthesis step.
package services

import (
	"fmt"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/fstree"
)

// Plan expands cfg.Services into rc5.d start/stop symlinks and, if
// configured, a crashdump directory. An enabled service gets only its
// start link (etc/rc5.d/S<priority><name>); a disabled service gets
// only its stop link (etc/rc5.d/K<priority><name>). check_services
// unlinks whichever of the two links existed before choosing one to
// recreate, which Insert's replace-on-collision semantics already give
// us for free on a from-scratch tree. Plan's signature matches
// fstree.Planner, so it's passed straight to fstree.Generate.
func Plan(cfg *config.Config) []fstree.Entry {
	var entries []fstree.Entry

	for _, svc := range cfg.Services {
		target := fmt.Sprintf("../init.d/%s", svc.Name)
		if svc.Enabled {
			entries = append(entries, fstree.Entry{
				Path: fmt.Sprintf("etc/rc5.d/S%02d%s", svc.StartPriority, svc.Name),
				Node: fstree.Node{
					Kind:       fstree.Symlink,
					LinkTarget: target,
					Uid:        0,
					Gid:        0,
				},
			})
		} else {
			entries = append(entries, fstree.Entry{
				Path: fmt.Sprintf("etc/rc5.d/K%02d%s", svc.StopPriority, svc.Name),
				Node: fstree.Node{
					Kind:       fstree.Symlink,
					LinkTarget: target,
					Uid:        0,
					Gid:        0,
				},
			})
		}
	}

	if cfg.Misc.CrashDumpDir != "" {
		entries = append(entries, fstree.Entry{
			Path: crashDumpPath(cfg.Misc.CrashDumpDir),
			Node: fstree.Node{
				Kind: fstree.Dir,
				Mode: 0700,
				Uid:  0,
				Gid:  0,
			},
		})
	}

	return entries
}

// crashDumpPath strips a leading slash so it composes the same way the
// rest of fstree's Insert paths do (Insert treats paths as tree-rooted
// regardless of a leading "/").
func crashDumpPath(dir string) string {
	if len(dir) > 0 && dir[0] == '/' {
		return dir[1:]
	}
	return dir
}
