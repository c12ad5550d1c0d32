/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package netrecon reconciles a device's network configuration against
// the host (C7): host-side interface scripts, bridge attachment, MAC
// derivation/assignment, and /etc/hosts maintenance.
package netrecon

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/coprocfleet/micctrl/config"
	"github.com/coprocfleet/micctrl/diag"
	"github.com/coprocfleet/micctrl/menv"
)

// Runner executes an external command. OSRunner shells out for real;
// tests substitute a FakeRunner the way the rest of the tree substitutes
// afero.NewMemMapFs, since attaching an interface to a bridge has no
// filesystem-only representation (brctl addif is a kernel ioctl, not a
// file write).
type Runner interface {
	Run(name string, args ...string) error
}

// OSRunner shells out via os/exec, the same Cmd-construction style
// manager/process.go uses to supervise external processes.
type OSRunner struct{}

func (OSRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// FakeRunner records every invocation instead of executing it.
type FakeRunner struct {
	Calls [][]string
	Err   error
}

func (f *FakeRunner) Run(name string, args ...string) error {
	f.Calls = append(f.Calls, append([]string{name}, args...))
	return f.Err
}

const hostsMarker = "#Generated-by-micctrl"

// UpsertHostsEntry adds or replaces the (ip, hostname) line tagged with
// hostsMarker in the file at path. A line is only ever replaced if it
// already carries the marker; a conflicting unmarked user entry for the
// same hostname is left alone with a Warning diagnostic (testable
// property 7: two successive calls with the same pair leave exactly one
// generated line).
func UpsertHostsEntry(fs afero.Fs, path, ip, hostname string, diags *diag.List, device string) error {
	lines, err := readLines(fs, path)
	if err != nil {
		return err
	}

	generated := fmt.Sprintf("%s\t%s\t%s", ip, hostname, hostsMarker)
	var out []string
	replaced := false
	userConflict := false
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[len(fields)-1] == hostsMarker && hasHostname(fields, hostname) {
			if !replaced {
				out = append(out, generated)
				replaced = true
			}
			continue // drop any further generated dupes for this host
		}
		if len(fields) >= 2 && hasHostname(fields, hostname) {
			userConflict = true
		}
		out = append(out, line)
	}
	if !replaced {
		out = append(out, generated)
	}
	if userConflict {
		diags.Warnf(device, "/etc/hosts already has a user-entered line for %q; generated entry added alongside it", hostname)
	}
	return writeLines(fs, path, out)
}

// RemoveHostsEntry deletes the generated line for hostname, if any.
func RemoveHostsEntry(fs afero.Fs, path, hostname string) error {
	lines, err := readLines(fs, path)
	if err != nil {
		return err
	}
	var out []string
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[len(fields)-1] == hostsMarker && hasHostname(fields, hostname) {
			continue
		}
		out = append(out, line)
	}
	return writeLines(fs, path, out)
}

func hasHostname(fields []string, hostname string) bool {
	for _, f := range fields {
		if f == hostname {
			return true
		}
	}
	return false
}

func readLines(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		if afero.Exists(fs, path) {
			return nil, err
		}
		return nil, nil
	}
	defer f.Close()
	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	return lines, s.Err()
}

func writeLines(fs afero.Fs, path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return afero.WriteFile(fs, path, []byte(b.String()), 0644)
}

// DeriveSerialMAC implements the "serial" MAC policy: a deterministic
// 48-bit address derived from a device serial number of the form
// XXKCYWW<slot><run>, as 4C:79:BA:aa:bb:cc where the 24-bit (aa,bb,cc)
// packs (y*ww*2^16) + (run*2) + hostBit. y is serial[4]-'1', ww is the
// two digits at serial[5:7]; serial[7] is a card-slot digit not folded
// into the formula, and run is the decimal value of everything after it.
// hostBit is 0 for the card's own MAC, 1 for the paired host MAC.
func DeriveSerialMAC(serial string, hostBit uint32) (string, error) {
	if len(serial) < 9 {
		return "", fmt.Errorf("serial %q too short for MAC derivation", serial)
	}
	y := uint32(serial[4] - '1')
	ww, err := strconv.ParseUint(serial[5:7], 10, 32)
	if err != nil {
		return "", fmt.Errorf("serial %q: bad work-week field: %w", serial, err)
	}
	run, err := strconv.ParseUint(serial[8:], 10, 64)
	if err != nil {
		return "", fmt.Errorf("serial %q: bad run field: %w", serial, err)
	}
	v := (y*uint32(ww))<<16 + uint32(run)*2 + hostBit
	return fmt.Sprintf("4C:79:BA:%02X:%02X:%02X", (v>>16)&0xFF, (v>>8)&0xFF, v&0xFF), nil
}

// DriveRandomMAC stands in for "ask the driver for a random MAC": this
// controller has no live driver handle to query at config-reconciliation
// time, so it generates a locally-administered, unicast address the same
// way the driver would hand one out.
func DriveRandomMAC() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	b[0] = (b[0] &^ 0x01) | 0x02 // unicast, locally administered
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5]), nil
}

// IncrementMAC increments the low octet of base by delta, wrapping past
// 0xFF. wrapped reports whether the increment actually wrapped, so the
// caller can emit the warning the specification requires.
func IncrementMAC(base string, delta int) (mac string, wrapped bool, err error) {
	parts := strings.Split(base, ":")
	if len(parts) != 6 {
		return "", false, fmt.Errorf("malformed MAC %q", base)
	}
	low, err := strconv.ParseUint(parts[5], 16, 16)
	if err != nil {
		return "", false, fmt.Errorf("malformed MAC %q: %w", base, err)
	}
	sum := int(low) + delta
	wrapped = sum > 0xFF || sum < 0
	newLow := ((sum % 0x100) + 0x100) % 0x100
	parts[5] = fmt.Sprintf("%02X", newLow)
	return strings.Join(parts, ":"), wrapped, nil
}

// ResolveMACs applies the MAC policy for cfg.Net.DeviceMAC/HostMAC: the
// sentinels "serial" and "random" derive a MAC; any other value is taken
// as an explicit base and incremented by idx (the device's position in
// a multi-device invocation) with a wrap warning.
func ResolveMACs(cfg *config.Config, serial string, idx int, diags *diag.List) (deviceMAC, hostMAC string) {
	device, host := cfg.Net.DeviceMAC, cfg.Net.HostMAC

	switch strings.ToLower(device) {
	case "serial":
		dm, err := DeriveSerialMAC(serial, 0)
		if err != nil {
			diags.Errorf(cfg.Name, "derive card MAC: %v", err)
		} else {
			deviceMAC = dm
		}
	case "random":
		dm, err := DriveRandomMAC()
		if err != nil {
			diags.Errorf(cfg.Name, "generate random card MAC: %v", err)
		} else {
			deviceMAC = dm
		}
	default:
		if device != "" {
			mac, wrapped, err := IncrementMAC(device, idx)
			if err != nil {
				diags.Errorf(cfg.Name, "card MAC: %v", err)
			} else {
				deviceMAC = mac
				if wrapped {
					diags.Warnf(cfg.Name, "card MAC low octet wrapped past 0xFF incrementing %q by %d", device, idx)
				}
			}
		}
	}

	switch strings.ToLower(host) {
	case "serial":
		hm, err := DeriveSerialMAC(serial, 1)
		if err != nil {
			diags.Errorf(cfg.Name, "derive host MAC: %v", err)
		} else {
			hostMAC = hm
		}
	case "random":
		hm, err := DriveRandomMAC()
		if err != nil {
			diags.Errorf(cfg.Name, "generate random host MAC: %v", err)
		} else {
			hostMAC = hm
		}
	default:
		if host != "" {
			mac, wrapped, err := IncrementMAC(host, idx)
			if err != nil {
				diags.Errorf(cfg.Name, "host MAC: %v", err)
			} else {
				hostMAC = mac
				if wrapped {
					diags.Warnf(cfg.Name, "host MAC low octet wrapped past 0xFF incrementing %q by %d", host, idx)
				}
			}
		}
	}
	return deviceMAC, hostMAC
}

// ValidateSubnet reports whether ip/prefixBits is a well-formed host
// address in a CIDR of the given prefix length. Plain net/netip suffices
// for this single-address-in-subnet check; gravwell's ipexist exists for
// testing an address against a large precomputed existence set (e.g. a
// denylist), which is not this problem.
func ValidateSubnet(ip string, prefixBits int) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("invalid IP address %q", ip)
	}
	if prefixBits < 0 || prefixBits > 32 {
		return fmt.Errorf("invalid IPv4 prefix length %d", prefixBits)
	}
	return nil
}

func scriptsDir(dist menv.Dist) string {
	switch dist {
	case menv.DistSUSE:
		return "/etc/sysconfig/network"
	case menv.DistUbuntu:
		return "/etc/network/interfaces.d"
	default:
		return "/etc/sysconfig/network-scripts"
	}
}

func ifaceConfigPath(dist menv.Dist, iface string) string {
	if dist == menv.DistUbuntu {
		return scriptsDir(dist) + "/" + iface
	}
	return scriptsDir(dist) + "/ifcfg-" + iface
}

// WriteInterfaceConfig writes the host-side interface script for a
// StaticPair device, in the distribution's own ifcfg or
// /etc/network/interfaces.d stanza format.
func WriteInterfaceConfig(fs afero.Fs, dist menv.Dist, iface string, cfg *config.Config, hostMAC string) error {
	path := ifaceConfigPath(dist, iface)
	var b strings.Builder
	if dist == menv.DistUbuntu {
		fmt.Fprintf(&b, "auto %s\n", iface)
		fmt.Fprintf(&b, "iface %s inet static\n", iface)
		fmt.Fprintf(&b, "    address %s\n", cfg.Net.HostIP)
		fmt.Fprintf(&b, "    netmask %s\n", prefixToNetmask(cfg.Net.PrefixBits))
		if cfg.Net.MTU > 0 {
			fmt.Fprintf(&b, "    mtu %d\n", cfg.Net.MTU)
		}
		if hostMAC != "" {
			fmt.Fprintf(&b, "    hwaddress ether %s\n", hostMAC)
		}
	} else {
		fmt.Fprintf(&b, "DEVICE=%s\n", iface)
		fmt.Fprintf(&b, "BOOTPROTO=static\n")
		fmt.Fprintf(&b, "ONBOOT=yes\n")
		fmt.Fprintf(&b, "IPADDR=%s\n", cfg.Net.HostIP)
		fmt.Fprintf(&b, "NETMASK=%s\n", prefixToNetmask(cfg.Net.PrefixBits))
		if cfg.Net.MTU > 0 {
			fmt.Fprintf(&b, "MTU=%d\n", cfg.Net.MTU)
		}
		if hostMAC != "" {
			fmt.Fprintf(&b, "MACADDR=%s\n", hostMAC)
		}
	}
	return afero.WriteFile(fs, path, []byte(b.String()), 0644)
}

func prefixToNetmask(bits int) string {
	if bits <= 0 || bits > 32 {
		bits = 24
	}
	mask := uint32(0xFFFFFFFF) << uint(32-bits)
	return fmt.Sprintf("%d.%d.%d.%d", byte(mask>>24), byte(mask>>16), byte(mask>>8), byte(mask))
}

// EnsureBridgeConfig writes (or rewrites) the named bridge's own config
// file so it matches its BridgeTable entry, creating it if absent.
func EnsureBridgeConfig(fs afero.Fs, dist menv.Dist, br config.Bridge) error {
	path := ifaceConfigPath(dist, br.Name)
	var b strings.Builder
	if dist == menv.DistUbuntu {
		fmt.Fprintf(&b, "auto %s\n", br.Name)
		fmt.Fprintf(&b, "iface %s inet %s\n", br.Name, bridgeInetMethod(br.Kind))
		if br.Kind == config.BridgeExternalStatic && br.IP != "" {
			fmt.Fprintf(&b, "    address %s\n", br.IP)
			fmt.Fprintf(&b, "    netmask %s\n", prefixToNetmask(br.PrefixBits))
		}
		fmt.Fprintf(&b, "    bridge_ports none\n")
	} else {
		fmt.Fprintf(&b, "DEVICE=%s\n", br.Name)
		fmt.Fprintf(&b, "TYPE=Bridge\n")
		fmt.Fprintf(&b, "ONBOOT=yes\n")
		switch br.Kind {
		case config.BridgeExternalDHCP:
			fmt.Fprintf(&b, "BOOTPROTO=dhcp\n")
		case config.BridgeExternalStatic:
			fmt.Fprintf(&b, "BOOTPROTO=static\n")
			fmt.Fprintf(&b, "IPADDR=%s\n", br.IP)
			fmt.Fprintf(&b, "NETMASK=%s\n", prefixToNetmask(br.PrefixBits))
		default:
			fmt.Fprintf(&b, "BOOTPROTO=none\n")
		}
	}
	return afero.WriteFile(fs, path, []byte(b.String()), 0644)
}

func bridgeInetMethod(k config.BridgeKind) string {
	switch k {
	case config.BridgeExternalDHCP:
		return "dhcp"
	case config.BridgeExternalStatic:
		return "static"
	}
	return "manual"
}

// AttachToBridge attaches iface to bridge via the distribution's
// mechanism: brctl addif on Red Hat/SUSE, an edited bridge_ports list on
// Ubuntu.
func AttachToBridge(r Runner, fs afero.Fs, dist menv.Dist, bridge, iface string) error {
	if dist == menv.DistUbuntu {
		return addBridgePort(fs, ifaceConfigPath(dist, bridge), iface)
	}
	return r.Run("brctl", "addif", bridge, iface)
}

func addBridgePort(fs afero.Fs, path, iface string) error {
	lines, err := readLines(fs, path)
	if err != nil {
		return err
	}
	found := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "bridge_ports") {
			continue
		}
		found = true
		fields := strings.Fields(trimmed)
		ports := fields[1:]
		if ports[0] == "none" {
			ports = nil
		}
		if !containsStr(ports, iface) {
			ports = append(ports, iface)
			sort.Strings(ports)
		}
		lines[i] = "    bridge_ports " + strings.Join(ports, " ")
	}
	if !found {
		lines = append(lines, "    bridge_ports "+iface)
	}
	return writeLines(fs, path, lines)
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Reconcile applies cfg.Net's variant for device iface against the host:
// StaticPair writes the host-side script and installs an explicit host
// MAC; StaticBridge/BridgeDHCP ensure the bridge's own config matches
// bt and attach iface to it. It then adds the device's generated
// /etc/hosts line when ModifyHostHosts is set and cfg.Net has both a
// hostname and a device IP, and removes that line when ModifyHostHosts
// is off. ModifyCardHosts is not acted on here.
func Reconcile(env menv.Env, r Runner, bt *config.BridgeTable, cfg *config.Config, hostMAC string, diags *diag.List) error {
	iface := "mic" + strconv.Itoa(cfg.ID)
	switch cfg.Net.Kind {
	case config.NetStaticPair:
		if err := ValidateSubnet(cfg.Net.HostIP, cfg.Net.PrefixBits); err != nil {
			diags.NetErrorf(cfg.Name, "host IP: %v", err)
			return err
		}
		if err := WriteInterfaceConfig(env.Fs, env.Dist, iface, cfg, hostMAC); err != nil {
			diags.FSErrorf(cfg.Name, "write interface config: %v", err)
			return err
		}
	case config.NetStaticBridge, config.NetBridgeDHCP:
		br, ok := bt.Lookup(cfg.Net.Bridge)
		if !ok {
			diags.NetErrorf(cfg.Name, "bridge %q is not declared in any Bridge directive", cfg.Net.Bridge)
			return fmt.Errorf("unknown bridge %q", cfg.Net.Bridge)
		}
		if err := EnsureBridgeConfig(env.Fs, env.Dist, br); err != nil {
			diags.FSErrorf(cfg.Name, "write bridge config: %v", err)
			return err
		}
		if err := AttachToBridge(r, env.Fs, env.Dist, br.Name, iface); err != nil {
			diags.NetErrorf(cfg.Name, "attach %s to bridge %s: %v", iface, br.Name, err)
			return err
		}
	}

	hostsPath := "/etc/hosts"
	if cfg.Net.ModifyHostHosts && cfg.Net.Hostname != "" && cfg.Net.DeviceIP != "" {
		if err := UpsertHostsEntry(env.Fs, hostsPath, cfg.Net.DeviceIP, cfg.Net.Hostname, diags, cfg.Name); err != nil {
			diags.FSErrorf(cfg.Name, "update /etc/hosts: %v", err)
			return err
		}
	} else if !cfg.Net.ModifyHostHosts {
		_ = RemoveHostsEntry(env.Fs, hostsPath, cfg.Net.Hostname)
	}
	return nil
}
