/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package runner wraps os/exec for the handful of external programs
// this controller shells out to (gzip, cpio, ssh-keygen, ifup/ifdown,
// brctl), modeled directly on manager.processManager.routine: argv
// split, a dedicated process group via SysProcAttr, an optional
// Credential for a uid/gid drop, a kill-after-timeout on cancellation,
// and KV-tagged log lines for start/exit. Unlike processManager this
// is a one-shot runner, not a supervised restart loop — micctrl is a
// CLI invocation, not a daemon holding a child process open.
package runner

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/syndtr/gocapability/capability"

	"github.com/coprocfleet/micctrl/log"
)

// ErrKilled is returned when Run had to SIGKILL the child after it
// ignored SIGINT past killTimeout.
var ErrKilled = errors.New("runner: process killed after kill timeout")

const killTimeout = 10 * time.Second

// Credential drops the child to a specific uid/gid, mirroring
// ProcessConfig.UID/GID in the teacher's manager package.
type Credential struct {
	UID, GID uint32
}

// Options configures one Run invocation.
type Options struct {
	WorkingDir string
	Cred       *Credential
	Logger     *log.Logger
	// DropNetAdmin, when true, drops CAP_SYS_ADMIN/CAP_NET_ADMIN from
	// the child's bounding set before it starts. Network
	// reconciliation and directory-export mknod calls need those
	// capabilities and must leave this false; anything invoked after
	// the device image is finalized should set it.
	DropNetAdmin bool
}

// Runner executes one named external program with arguments, the sole
// external-process-invocation capability this controller uses — see
// netrecon.Runner for the narrower interface individual packages take
// so they don't need to depend on this package's Options/Credential
// types directly.
type Runner struct {
	opts Options
}

func New(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.NewDiscard()
	}
	return &Runner{opts: opts}
}

// Run executes name with args, streaming its combined stdout/stderr to
// the configured logger line-by-line at INFO, and blocks until it
// exits, the context is cancelled, or the kill timeout following
// cancellation elapses.
func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if r.opts.Cred != nil {
		attr.Credential = &syscall.Credential{Uid: r.opts.Cred.UID, Gid: r.opts.Cred.GID}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.opts.WorkingDir
	cmd.SysProcAttr = attr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if r.opts.DropNetAdmin {
		if err := dropNetAdmin(); err != nil {
			r.opts.Logger.Warn("failed to drop capabilities before exec", log.KV("name", name), log.KVErr(err))
		}
	}

	r.opts.Logger.Info("starting process", log.KV("name", name), log.KV("args", strings.Join(args, " ")))
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			r.opts.Logger.Info(sc.Text(), log.KV("name", name))
		}
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		wg.Wait()
		r.opts.Logger.Info("process exited", log.KV("name", name), log.KVErr(err))
		return err
	case <-ctx.Done():
		return r.killAfterTimeout(cmd, done, &wg, name)
	}
}

func (r *Runner) killAfterTimeout(cmd *exec.Cmd, done chan error, wg *sync.WaitGroup, name string) error {
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGINT)
	}
	timeout := time.After(killTimeout)
	select {
	case <-timeout:
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
		wg.Wait()
		r.opts.Logger.Warn("process did not exit, killed", log.KV("name", name))
		return ErrKilled
	case err := <-done:
		wg.Wait()
		r.opts.Logger.Info("process exited after cancellation", log.KV("name", name), log.KVErr(err))
		return err
	}
}

// dropNetAdmin drops CAP_SYS_ADMIN/CAP_NET_ADMIN from this process's
// own bounding set, inherited by children it execs afterward — there
// is no portable way to scope a capability drop to a single child
// without a helper process, so this mutates the caller's own bounding
// set, matching how micctrl invokes these post-image-finalization
// programs as its very next action with no further privileged work
// pending.
func dropNetAdmin() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return err
	}
	if err := caps.Load(); err != nil {
		return err
	}
	caps.Unset(capability.BOUNDING, capability.CAP_SYS_ADMIN, capability.CAP_NET_ADMIN)
	return caps.Apply(capability.BOUNDING)
}
