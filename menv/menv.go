/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package menv resolves the host environment a micctrl invocation runs
// in: the Linux distribution family, the configuration directory, the
// variable/state directory, the source-image directory, and the
// destination-directory overlay root (C1). All filesystem access goes
// through an afero.Fs so tests can substitute an in-memory tree (per
// spec.md's design note that sysfs and host paths are substitutable for
// testing).
package menv

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// Dist identifies the host's packaging family, which selects which
// network-scripts layout and service-directory convention C7/C12 use.
type Dist int

const (
	DistUnknown Dist = iota
	DistRedHat
	DistSUSE
	DistUbuntu
)

func (d Dist) String() string {
	switch d {
	case DistRedHat:
		return "redhat"
	case DistSUSE:
		return "suse"
	case DistUbuntu:
		return "ubuntu"
	}
	return "unknown"
}

func ParseDist(s string) Dist {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "redhat", "rhel", "centos", "fedora":
		return DistRedHat
	case "suse", "sles", "opensuse":
		return DistSUSE
	case "ubuntu", "debian":
		return DistUbuntu
	}
	return DistUnknown
}

const (
	envConfigDir = "MPSS_CONFIGDIR"
	envVarDir    = "MPSS_VARDIR"
	envSrcDir    = "MPSS_SRCDIR"
	envDestDir   = "MPSS_DESTDIR"
	envDist      = "MPSS_DIST"

	sysconfigPath = "/etc/sysconfig/mpss.conf"

	defaultConfigDir = "/etc/mpss"
	defaultVarDir    = "/var/mpss"
	defaultSrcDir    = "/usr/share/mpss/boot"
	defaultLockfile  = "lock"
)

var ErrNoDistro = errors.New("unable to determine host distribution")

// Env is the resolved host environment (C1's output), consumed by every
// other component that needs a real path.
type Env struct {
	Fs        afero.Fs
	Dist      Dist
	ConfigDir string
	VarDir    string
	SrcDir    string
	DestDir   string
	Lockfile  string
}

// Resolve determines the environment using, in priority order, explicit
// overrides (as passed from --configdir/--destdir), then environment
// variables, then /etc/sysconfig/mpss.conf, then built-in defaults.
func Resolve(fs afero.Fs, overrideConfigDir, overrideDestDir string) (Env, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	e := Env{Fs: fs}

	confdir := overrideConfigDir
	if confdir == "" {
		confdir = lookupEnv(envConfigDir)
	}
	if confdir == "" {
		confdir = readSysconfig(fs, sysconfigPath)
	}
	if confdir == "" {
		confdir = defaultConfigDir
	}
	e.ConfigDir = filepath.Clean(confdir)

	e.VarDir = filepath.Clean(firstNonEmpty(lookupEnv(envVarDir), defaultVarDir))
	e.SrcDir = filepath.Clean(firstNonEmpty(lookupEnv(envSrcDir), defaultSrcDir))

	destdir := overrideDestDir
	if destdir == "" {
		destdir = lookupEnv(envDestDir)
	}
	if destdir != "" {
		destdir = filepath.Clean(destdir)
	}
	e.DestDir = destdir // empty means "boot a real device", not a directory export

	e.Lockfile = filepath.Join(e.VarDir, defaultLockfile)

	if d := lookupEnv(envDist); d != "" {
		e.Dist = ParseDist(d)
	} else {
		dist, err := detectDist(fs)
		if err != nil {
			return e, err
		}
		e.Dist = dist
	}
	return e, nil
}

func lookupEnv(name string) string {
	v, _ := os.LookupEnv(name)
	return v
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// readSysconfig extracts MPSS_CONFIGDIR=<path> from an
// /etc/sysconfig/mpss.conf-shaped file, ignoring blank lines and
// comments. Absence of the file, or of the key, is not an error.
func readSysconfig(fs afero.Fs, path string) string {
	fin, err := fs.Open(path)
	if err != nil {
		return ""
	}
	defer fin.Close()

	s := bufio.NewScanner(fin)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "MPSS_CONFIGDIR="); ok {
			return strings.Trim(strings.TrimSpace(rest), `"'`)
		}
	}
	return ""
}

// detectDist parses /etc/os-release's ID field, the same approach as
// nestybox-sysbox-libs/linuxUtils.GetDistro, mapping its value onto the
// redhat/suse/ubuntu families micctrl actually branches on.
func detectDist(fs afero.Fs) (Dist, error) {
	for _, p := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		id, err := parseOSReleaseID(fs, p)
		if err != nil {
			continue
		}
		if d := idToDist(id); d != DistUnknown {
			return d, nil
		}
	}
	return DistUnknown, ErrNoDistro
}

func idToDist(id string) Dist {
	switch strings.ToLower(id) {
	case "rhel", "centos", "fedora", "rocky", "almalinux":
		return DistRedHat
	case "sles", "opensuse", "opensuse-leap":
		return DistSUSE
	case "ubuntu", "debian":
		return DistUbuntu
	}
	return DistUnknown
}

func parseOSReleaseID(fs afero.Fs, path string) (string, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) != "ID" {
			continue
		}
		return strings.Trim(strings.TrimSpace(parts[1]), `"'`), nil
	}
	return "", errors.New("ID field not found")
}

// DeviceConfigPath returns the per-device configuration file path for id.
func (e Env) DeviceConfigPath(id int) string {
	return filepath.Join(e.ConfigDir, deviceName(id)+".conf")
}

// DefaultConfigPath returns the path of the shared default.conf.
func (e Env) DefaultConfigPath() string {
	return filepath.Join(e.ConfigDir, "default.conf")
}

// ConfDDir returns the conf.d directory expanded by "Include conf.d/*.conf".
func (e Env) ConfDDir() string {
	return filepath.Join(e.ConfigDir, "conf.d")
}

// CommonDir returns <vardir>/common.
func (e Env) CommonDir() string {
	return filepath.Join(e.VarDir, "common")
}

// DeviceVarDir returns <vardir>/mic<id>.
func (e Env) DeviceVarDir(id int) string {
	return filepath.Join(e.VarDir, deviceName(id))
}

// DeviceImagePath returns <vardir>/mic<id>.image.gz.
func (e Env) DeviceImagePath(id int) string {
	return filepath.Join(e.VarDir, deviceName(id)+".image.gz")
}

// DeviceExportDir returns <vardir>/mic<id>.export.
func (e Env) DeviceExportDir(id int) string {
	return filepath.Join(e.VarDir, deviceName(id)+".export")
}

// PersistPath returns <confdir>/persist.macs (C11).
func (e Env) PersistPath() string {
	return filepath.Join(e.ConfigDir, "persist.macs")
}

func deviceName(id int) string {
	return "mic" + strconv.Itoa(id)
}
