// Package layout implements the on-disk naming scheme for zone files and
// journals (spec section 6): the filesafe-name codec and the directory
// paths derived from it.
package layout

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FilesafeName escapes an absolute DNS name for use as a single path
// component: non-[0-9A-Za-z._-] bytes become %HH, letters are lowercased,
// the trailing dot is dropped, and the DNS root maps to "@".
func FilesafeName(absoluteName string) string {
	name := strings.TrimSuffix(absoluteName, ".")
	if name == "" {
		return "@"
	}

	var out strings.Builder
	out.Grow(len(name))
	for i := 0; i < len(name); i++ {
		b := name[i]
		switch {
		case b >= 'A' && b <= 'Z':
			out.WriteByte(b - 'A' + 'a')
		case b >= 'a' && b <= 'z', b >= '0' && b <= '9', b == '.', b == '_', b == '-':
			out.WriteByte(b)
		default:
			fmt.Fprintf(&out, "%%%02x", b)
		}
	}
	return out.String()
}

// Paths are the per-zone on-disk locations under the instance directory.
type Paths struct {
	Dir     string // <directory>/master/<filesafe-name>
	Raw     string // .../raw
	Journal string // .../journal
	KeysDir string // .../keys
}

// ZonePaths computes the on-disk layout for a zone origin under the
// instance's configured base directory.
func ZonePaths(baseDir, zoneOrigin string) Paths {
	dir := filepath.Join(baseDir, "master", FilesafeName(zoneOrigin))
	return Paths{
		Dir:     dir,
		Raw:     filepath.Join(dir, "raw"),
		Journal: filepath.Join(dir, "journal"),
		KeysDir: filepath.Join(dir, "keys"),
	}
}
