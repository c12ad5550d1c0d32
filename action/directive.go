/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package action

import (
	"strings"

	"github.com/spf13/afero"

	"github.com/coprocfleet/micctrl/atomicfile"
)

// existsFs reports whether path exists on fs, treating any stat error
// other than not-exist as "doesn't exist" for the caller's purposes
// (the caller's own operation will surface the real error).
func existsFs(fs afero.Fs, path string) (bool, error) {
	return afero.Exists(fs, path)
}

// writeFresh atomically creates path with the given content, used by
// the lifecycle actions that (re)lay down a device's conf-file
// skeleton from scratch rather than patching an existing one.
func writeFresh(path, content string) error {
	return atomicfile.WriteFile(path, 0644, []byte(content))
}

// rewriteDirective replaces the first line of confPath whose first field
// matches key case-insensitively with a rendered "key args..." line,
// appending one if key isn't already present. It mutates the live file
// through the same tempfile-then-rename path persist.Store.Save uses, so
// a reader mid-update per spec.md §8's atomic-config-update invariant
// never sees a truncated file.
func rewriteDirective(confPath, key string, args ...string) error {
	return rewriteLines(confPath, func(lines []string) []string {
		return setDirectiveLine(lines, key, args...)
	})
}

// appendDirective adds a new "key args..." line unconditionally, for
// directives (Overlay, Service) that accumulate rather than replace.
func appendDirective(confPath, key string, args ...string) error {
	return rewriteLines(confPath, func(lines []string) []string {
		return append(lines, renderDirective(key, args...))
	})
}

func setDirectiveLine(lines []string, key string, args ...string) []string {
	rendered := renderDirective(key, args...)
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.EqualFold(fields[0], key) {
			lines[i] = rendered
			return lines
		}
	}
	return append(lines, rendered)
}

func renderDirective(key string, args ...string) string {
	if len(args) == 0 {
		return key
	}
	return key + " " + strings.Join(args, " ")
}

func rewriteLines(confPath string, mutate func([]string) []string) error {
	st, err := atomicfile.New(confPath, 0644)
	if err != nil {
		return err
	}
	b, err := st.ReadBytes()
	if err != nil {
		return err
	}
	lines := mutate(splitNonEmptyLines(string(b)))
	var body strings.Builder
	for _, l := range lines {
		body.WriteString(l)
		body.WriteByte('\n')
	}
	return st.WriteBytes([]byte(body.String()))
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}
