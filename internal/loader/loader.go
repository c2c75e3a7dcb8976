// Package loader finds the companion library build that matches a target's
// architecture and runtime version.
package loader

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"pyprobe/internal/arch"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/versions"
)

// LibraryName is the file name of a companion build inside a per-version
// directory.
const LibraryName = "libpyprobe.so"

// Resolver searches Dirs in order.
type Resolver struct {
	Dirs []string
	Fs   afero.Fs
}

// New returns a resolver over the host filesystem.
func New(dirs ...string) *Resolver {
	return &Resolver{Dirs: dirs, Fs: afero.NewOsFs()}
}

// Candidates lists every path Resolve would try, in order.
func (r *Resolver) Candidates(a arch.Arch, version string) ([]string, error) {
	mm, err := versions.MajorMinor(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", probeerr.ErrUnsupportedVersion, err)
	}
	flat := "libpyprobe-" + a.String() + "-py" + strings.ReplaceAll(mm, ".", "") + ".so"
	var out []string
	for _, dir := range r.Dirs {
		if dir == "" {
			continue
		}
		out = append(out,
			filepath.Join(dir, a.String(), mm, LibraryName),
			filepath.Join(dir, flat),
		)
	}
	return out, nil
}

// Resolve returns the absolute path of the first regular file among the
// candidates.
func (r *Resolver) Resolve(a arch.Arch, version string) (string, error) {
	cands, err := r.Candidates(a, version)
	if err != nil {
		return "", err
	}
	for _, c := range cands {
		fi, err := r.Fs.Stat(c)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		abs, err := filepath.Abs(c)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	return "", fmt.Errorf("%w: no build for %s/python%s in %s", probeerr.ErrLibraryNotFound, a, version, strings.Join(r.Dirs, ":"))
}
