/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command micctrl is the administrator-facing entry point: it wires a
// real filesystem and logger into the action dispatcher and translates
// its result into a process exit code.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/afero"

	"github.com/coprocfleet/micctrl/action"
	"github.com/coprocfleet/micctrl/log"
)

const logPath = "/var/log/micctrl.log"

func main() {
	os.Exit(run())
}

func run() (code int) {
	lg, err := log.NewFile(logPath)
	if err != nil {
		lg = log.NewDiscard()
	}
	defer lg.Close()

	defer func() {
		if r := recover(); r != nil {
			lg.Critical("panic", log.KV("recover", fmt.Sprint(r)), log.KV("stack", string(debug.Stack())))
			fmt.Fprintf(os.Stderr, "micctrl: internal error: %v\n", r)
			code = 1
		}
	}()

	return action.Run(afero.NewOsFs(), lg, os.Args[1:])
}
