/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/coprocfleet/micctrl/diag"
)

// maxIncludeDepth bounds Include recursion; the grammar allows Include
// chains but not unbounded or circular ones.
const maxIncludeDepth = 16

var (
	ErrIncludeDepth = errors.New("include depth exceeded")
	ErrIncludeCycle = errors.New("include cycle detected")
)

var errFatalVersion = errors.New("unsupported config version")

type argRange struct{ min, max int }

var directiveArgs = map[string]argRange{
	"version":            {2, 2},
	"osimage":            {1, 2},
	"efiimage":           {1, 1},
	"bootonstart":        {1, 1},
	"verboselogging":     {1, 1},
	"hostname":           {1, 1},
	"network":            {1, 12},
	"bridge":             {2, 4},
	"macaddrs":           {1, 2},
	"extracommandline":   {1, 1},
	"console":            {1, 1},
	"powermanagement":    {1, 1},
	"base":               {1, 1},
	"commondir":          {1, 2},
	"micdir":             {1, 2},
	"userauthentication": {0, 1},
	"overlay":            {3, 4},
	"k1omrpms":           {1, 1},
	"rootdevice":         {1, 3},
	"shutdowntimeout":    {1, 1},
	"crashdump":          {1, 2},
	"service":            {1, 4},
	"cgroup":             {1, 1},
	"family":             {1, 1},
	"mpssversion":        {1, 1},
}

// parser holds the mutable state of one LoadDevice call: the Config being
// built, the shared BridgeTable, the diagnostic sink, and bookkeeping for
// overlay/service override semantics and Include recursion.
type parser struct {
	fs      afero.Fs
	confDir string
	bt      *BridgeTable
	diags   *diag.List
	device  string
	cfg     *Config

	overlayIdx map[[3]string]int
	serviceIdx map[string]int

	curDepth int
	fatal    bool
	sawAny   bool
	errCount int
}

func newParser(fs afero.Fs, confDir string, bt *BridgeTable, diags *diag.List, cfg *Config) *parser {
	return &parser{
		fs:         fs,
		confDir:    confDir,
		bt:         bt,
		diags:      diags,
		device:     cfg.Name,
		cfg:        cfg,
		overlayIdx: make(map[[3]string]int),
		serviceIdx: make(map[string]int),
	}
}

// LoadDevice parses confDir/default.conf (if present) followed by
// confDir/mic<id>.conf into a single merged Config, applying the
// directive-overwrite rules described for Overlay and Service entries.
func LoadDevice(fs afero.Fs, confDir string, id int, bt *BridgeTable, diags *diag.List) (*Config, Status) {
	cfg := &Config{Valid: true, ID: id, Name: fmt.Sprintf("mic%d", id)}
	p := newParser(fs, confDir, bt, diags, cfg)

	defaultPath := filepath.Join(confDir, "default.conf")
	if ok, _ := afero.Exists(fs, defaultPath); ok {
		if err := p.loadFile(defaultPath, 0, map[string]bool{}); err != nil {
			p.errf("%v", err)
		}
	}

	if !p.fatal {
		devPath := filepath.Join(confDir, cfg.Name+".conf")
		if err := p.loadFile(devPath, 0, map[string]bool{}); err != nil {
			diags.Errorf(cfg.Name, "%v", err)
			cfg.Valid = false
			return cfg, PARSE_FAIL
		}
	}

	return p.status()
}

// ParseFile parses a single config file in isolation.
func ParseFile(fs afero.Fs, confDir, path string, bt *BridgeTable, diags *diag.List) (*Config, Status) {
	cfg := &Config{Valid: true, Name: deviceNameFromPath(path)}
	p := newParser(fs, confDir, bt, diags, cfg)
	if err := p.loadFile(path, 0, map[string]bool{}); err != nil {
		diags.Errorf(cfg.Name, "%v", err)
		cfg.Valid = false
		return cfg, PARSE_FAIL
	}
	return p.status()
}

func (p *parser) status() (*Config, Status) {
	if p.fatal {
		p.cfg.Valid = false
		return p.cfg, PARSE_FAIL
	}
	if !p.sawAny {
		return p.cfg, PARSE_EMPTY
	}
	if p.errCount > 0 {
		return p.cfg, PARSE_ERRORS
	}
	return p.cfg, SUCCESS
}

func (p *parser) errf(format string, args ...interface{}) {
	p.errCount++
	p.diags.Errorf(p.device, format, args...)
}

func (p *parser) warnf(format string, args ...interface{}) {
	p.diags.Warnf(p.device, format, args...)
}

func (p *parser) loadFile(path string, depth int, seen map[string]bool) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("%w at %s", ErrIncludeDepth, path)
	}
	if seen[path] {
		return fmt.Errorf("%w at %s", ErrIncludeCycle, path)
	}
	seen[path] = true
	defer delete(seen, path)

	prevDepth := p.curDepth
	p.curDepth = depth
	defer func() { p.curDepth = prevDepth }()

	b, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(strings.NewReader(string(b)))
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p.sawAny = true

		fields := splitArgs(line)
		directive := fields[0]
		args := fields[1:]
		key := strings.ToLower(directive)

		if key == "include" {
			if len(args) != 1 {
				p.errf("%s:%d: Include expects 1 argument, got %d", path, lineno, len(args))
				continue
			}
			if err := p.handleInclude(args[0], depth, seen); err != nil {
				p.errf("%s:%d: %v", path, lineno, err)
			}
			continue
		}

		rng, ok := directiveArgs[key]
		if !ok {
			p.errf("%s:%d: unknown directive %q", path, lineno, directive)
			continue
		}
		if len(args) < rng.min || len(args) > rng.max {
			p.errf("%s:%d: %s expects %d-%d arguments, got %d", path, lineno, directive, rng.min, rng.max, len(args))
			continue
		}

		if err := p.dispatch(key, args); err != nil {
			if errors.Is(err, errFatalVersion) {
				p.fatal = true
				p.diags.Errorf(p.device, "%s:%d: %v", path, lineno, err)
				break
			}
			p.errf("%s:%d: %v", path, lineno, err)
		}
	}
	return sc.Err()
}

// handleInclude resolves an Include argument, expanding the literal
// "<dir>/*.conf" glob form into every matching file in that directory.
func (p *parser) handleInclude(name string, depth int, seen map[string]bool) error {
	dir, base := filepath.Split(name)
	if strings.Contains(base, "*") {
		return p.includeGlob(dir, base, depth, seen)
	}
	target := name
	if !filepath.IsAbs(target) {
		target = filepath.Join(p.confDir, target)
	}
	return p.loadFile(target, depth+1, seen)
}

func (p *parser) includeGlob(dir, pattern string, depth int, seen map[string]bool) error {
	full := dir
	if full == "" {
		full = "."
	}
	if !filepath.IsAbs(full) {
		full = filepath.Join(p.confDir, full)
	}
	entries, err := afero.ReadDir(p.fs, full)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		if err := p.loadFile(filepath.Join(full, n), depth+1, seen); err != nil {
			p.errf("include %s: %v", n, err)
		}
	}
	return nil
}

func (p *parser) dispatch(key string, args []string) error {
	switch key {
	case "version":
		return p.doVersion(args[0], args[1])
	case "osimage":
		p.cfg.Boot.OSImage = args[0]
		if len(args) > 1 {
			p.cfg.Boot.SystemMap = args[1]
		}
	case "efiimage":
		p.cfg.Boot.EFIImage = args[0]
	case "bootonstart":
		p.cfg.Boot.BootOnStart = parseBool(args[0])
	case "verboselogging":
		p.cfg.Boot.Verbose = parseBool(args[0])
	case "hostname":
		p.cfg.Net.Hostname = args[0]
	case "network":
		return p.doNetwork(args)
	case "bridge":
		return p.doBridge(args)
	case "macaddrs":
		p.cfg.Net.DeviceMAC = args[0]
		if len(args) > 1 {
			p.cfg.Net.HostMAC = args[1]
		}
	case "extracommandline":
		p.cfg.Boot.ExtraCmdline = args[0]
	case "console":
		p.cfg.Boot.Console = args[0]
	case "powermanagement":
		p.cfg.Boot.PowerManagement = args[0]
	case "base":
		p.cfg.FileSrc.Base = args[0]
	case "commondir":
		p.cfg.FileSrc.Common = args[0]
		if len(args) > 1 {
			p.warnf("CommonDir file-list argument %q is deprecated", args[1])
		}
	case "micdir":
		p.cfg.FileSrc.Mic = args[0]
		if len(args) > 1 {
			p.warnf("MicDir file-list argument %q is deprecated", args[1])
		}
	case "userauthentication":
		p.warnf("UserAuthentication is deprecated and ignored")
	case "overlay":
		return p.doOverlay(args)
	case "k1omrpms":
		p.cfg.FileSrc.K1omRpms = args[0]
	case "rootdevice":
		return p.doRootDevice(args)
	case "shutdowntimeout":
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid ShutdownTimeout %q: %w", args[0], err)
		}
		p.cfg.Misc.ShutdownTimeout = n
	case "crashdump":
		p.cfg.Misc.CrashDumpDir = args[0]
		if len(args) > 1 {
			n, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid CrashDump size %q: %w", args[1], err)
			}
			p.cfg.Misc.CrashDumpLimit = n
		}
	case "service":
		return p.doService(args)
	case "cgroup":
		switch strings.ToLower(args[0]) {
		case "on", "enabled", "yes":
			p.cfg.CgroupMemory = CgroupEnabled
		case "off", "disabled", "no":
			p.cfg.CgroupMemory = CgroupDisabled
		default:
			return fmt.Errorf("invalid Cgroup value %q", args[0])
		}
	case "family":
		p.cfg.Family = args[0]
	case "mpssversion":
		p.cfg.MPSSVersion = args[0]
	}
	return nil
}

func (p *parser) doVersion(majorStr, minorStr string) error {
	maj, err := strconv.Atoi(majorStr)
	if err != nil {
		return fmt.Errorf("invalid version major %q", majorStr)
	}
	min, err := strconv.Atoi(minorStr)
	if err != nil {
		return fmt.Errorf("invalid version minor %q", minorStr)
	}
	if maj < 1 || maj > CurrentMajor {
		return fmt.Errorf("%w: %d.%d (accept 1.0..%d.x)", errFatalVersion, maj, min, CurrentMajor)
	}
	if min != CurrentMinor {
		p.warnf("config version %d.%d does not match current %d.%d", maj, min, CurrentMajor, CurrentMinor)
	}
	p.cfg.Version = Version{Major: maj, Minor: min}
	return nil
}

func (p *parser) doNetwork(args []string) error {
	kv := parseKV(args)
	class, ok := kv["class"]
	if !ok {
		return fmt.Errorf("Network missing class= key")
	}
	kind, err := parseNetKind(class)
	if err != nil {
		return err
	}

	n := p.cfg.Net
	n.Kind = kind
	if kind == NetStaticBridge {
		if _, ok := p.bt.Lookup(kv["bridge"]); !ok {
			return fmt.Errorf("Network StaticBridge refers to unknown bridge %q", kv["bridge"])
		}
	}
	if v, ok := kv["micip"]; ok {
		n.DeviceIP = v
	}
	if v, ok := kv["hostip"]; ok {
		n.HostIP = v
	}
	if v, ok := kv["bridge"]; ok {
		n.Bridge = v
	}
	if v, ok := kv["gateway"]; ok {
		n.Gateway = v
	}
	if v, ok := kv["mac"]; ok {
		n.DeviceMAC = v
	}
	if v, ok := kv["hostmac"]; ok {
		n.HostMAC = v
	}
	if v, ok := kv["modcard"]; ok {
		n.ModifyCardHosts = parseBool(v)
	}
	if v, ok := kv["mtu"]; ok {
		m, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid mtu %q", v)
		}
		n.MTU = m
	}
	if v, ok := kv["prefix"]; ok {
		pb, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid prefix %q", v)
		}
		n.PrefixBits = pb
	}
	if v, ok := kv["modhost"]; ok {
		n.ModifyHostHosts = parseBool(v)
	}
	p.cfg.Net = n
	return nil
}

func parseNetKind(s string) (NetKind, error) {
	switch strings.ToLower(s) {
	case "unset":
		return NetUnset, nil
	case "staticpair":
		return NetStaticPair, nil
	case "staticbridge":
		return NetStaticBridge, nil
	case "bridgedhcp":
		return NetBridgeDHCP, nil
	}
	return 0, fmt.Errorf("unknown Network class %q", s)
}

func parseKV(args []string) map[string]string {
	m := make(map[string]string, len(args))
	for _, a := range args {
		if idx := strings.IndexByte(a, '='); idx >= 0 {
			m[strings.ToLower(a[:idx])] = a[idx+1:]
		}
	}
	return m
}

func (p *parser) doBridge(args []string) error {
	kind, err := parseBridgeKind(args[1])
	if err != nil {
		return err
	}
	b := Bridge{Name: args[0], Kind: kind}
	if len(args) > 2 && !strings.EqualFold(args[2], "dhcp") {
		ip, prefix, err := splitCIDR(args[2])
		if err != nil {
			return err
		}
		b.IP = ip
		b.PrefixBits = prefix
	}
	if len(args) > 3 {
		mtu, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid bridge mtu %q", args[3])
		}
		b.MTU = mtu
	}
	p.bt.Put(b)
	return nil
}

func parseBridgeKind(s string) (BridgeKind, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
	case "internal":
		return BridgeInternal, nil
	case "externaldhcp":
		return BridgeExternalDHCP, nil
	case "externalstatic":
		return BridgeExternalStatic, nil
	}
	return 0, fmt.Errorf("unknown bridge type %q", s)
}

func splitCIDR(s string) (ip string, prefix int, err error) {
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

func parseOverlayKind(s string) (OverlayKind, error) {
	switch strings.ToLower(s) {
	case "simple":
		return OverlaySimple, nil
	case "filelist":
		return OverlayFilelist, nil
	case "file":
		return OverlayFile, nil
	case "rpm":
		return OverlayRpm, nil
	}
	return 0, fmt.Errorf("unknown overlay kind %q", s)
}

func (p *parser) doOverlay(args []string) error {
	kind, err := parseOverlayKind(args[0])
	if err != nil {
		return err
	}
	o := Overlay{Kind: kind, Source: args[1], Target: args[2], Enabled: true, OriginLevel: p.curDepth}
	if len(args) > 3 {
		o.Enabled = parseBool(args[3])
	}
	key := [3]string{args[0], o.Source, o.Target}
	if idx, ok := p.overlayIdx[key]; ok {
		p.cfg.FileSrc.Overlays[idx] = o
	} else {
		p.overlayIdx[key] = len(p.cfg.FileSrc.Overlays)
		p.cfg.FileSrc.Overlays = append(p.cfg.FileSrc.Overlays, o)
	}
	return nil
}

func parseRootKind(s string) (RootDevKind, error) {
	switch strings.ToLower(s) {
	case "ramfs":
		return RootRamFS, nil
	case "staticramfs":
		return RootStaticRamFS, nil
	case "nfs":
		return RootNFS, nil
	case "splitnfs":
		return RootSplitNFS, nil
	case "pfs":
		return RootPFS, nil
	case "unset":
		return RootUnset, nil
	}
	return 0, fmt.Errorf("unknown RootDevice kind %q", s)
}

func (p *parser) doRootDevice(args []string) error {
	kind, err := parseRootKind(args[0])
	if err != nil {
		return err
	}
	rd := RootDev{Kind: kind}
	if len(args) > 1 {
		rd.Target = args[1]
	}
	if len(args) > 2 {
		rd.UsrExport = args[2]
	}
	if kind == RootSplitNFS && rd.UsrExport == "" {
		return fmt.Errorf("RootDevice SplitNFS requires a /usr export path")
	}
	p.cfg.RootDev = rd
	return nil
}

func (p *parser) doService(args []string) error {
	s := Service{Name: args[0], Enabled: true}
	if len(args) > 1 {
		s.Enabled = parseBool(args[1])
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid service start priority %q", args[2])
		}
		s.StartPriority = n
	}
	if len(args) > 3 {
		n, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid service stop priority %q", args[3])
		}
		s.StopPriority = n
	}
	if idx, ok := p.serviceIdx[s.Name]; ok {
		p.cfg.Services[idx] = s
	} else {
		p.serviceIdx[s.Name] = len(p.cfg.Services)
		p.cfg.Services = append(p.cfg.Services, s)
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "yes", "true", "on", "enabled":
		return true
	}
	return false
}

func deviceNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// splitArgs tokenizes a directive line on whitespace, treating a
// double-quoted run (which may itself contain spaces) as one argument.
func splitArgs(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case (r == ' ' || r == '\t') && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
