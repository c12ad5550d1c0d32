/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package persist stores per-device MAC addresses across a
// resetconfig/resetdefaults cycle (C11), in a single `persist.macs`
// file at the configuration directory's root, one `mic<id> <mac>` line
// per device. This is the Open Question #2 resolution recorded in
// DESIGN.md: MAC identity must survive truncation of a device's own
// config file, so it lives in a file resetconfig never touches.
package persist

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/coprocfleet/micctrl/atomicfile"
)

// Store is the parsed contents of persist.macs, keyed by device id.
type Store struct {
	macs map[int]string
}

// Parse decodes a persist.macs file's contents. Malformed lines are
// skipped rather than failing the whole load, matching the tolerant,
// accumulate-don't-abort posture the rest of this controller takes
// toward partially-bad input.
func Parse(data []byte) *Store {
	s := &Store{macs: make(map[int]string)}
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		id, ok := deviceID(fields[0])
		if !ok {
			continue
		}
		s.macs[id] = fields[1]
	}
	return s
}

func deviceID(tok string) (int, bool) {
	rest, ok := strings.CutPrefix(tok, "mic")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Lookup returns the persisted MAC for id, if any.
func (s *Store) Lookup(id int) (string, bool) {
	mac, ok := s.macs[id]
	return mac, ok
}

// Set records (or overwrites) the MAC for id.
func (s *Store) Set(id int, mac string) {
	s.macs[id] = mac
}

// Delete forgets id's persisted MAC, used by cleanconfig.
func (s *Store) Delete(id int) {
	delete(s.macs, id)
}

// Encode renders the store back to persist.macs's line format, with
// entries sorted by device id for a stable, diffable file.
func (s *Store) Encode() []byte {
	ids := make([]int, 0, len(s.macs))
	for id := range s.macs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "mic%d %s\n", id, s.macs[id])
	}
	return []byte(b.String())
}

// Load reads and parses the persist.macs file at path. A missing file
// is treated as an empty store.
func Load(path string) (*Store, error) {
	st, err := atomicfile.New(path, 0644)
	if err != nil {
		return nil, err
	}
	b, err := st.ReadBytes()
	if err != nil {
		return nil, err
	}
	return Parse(b), nil
}

// Save atomically rewrites the persist.macs file at path.
func (s *Store) Save(path string) error {
	st, err := atomicfile.New(path, 0644)
	if err != nil {
		return err
	}
	return st.WriteBytes(s.Encode())
}
