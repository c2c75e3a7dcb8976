// Package procinfo discovers what a target process is before anything
// touches it: whether it exists, its architecture, its CPython version and
// where its shared objects are mapped.
package procinfo

import (
	"bufio"
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"pyprobe/internal/arch"
	"pyprobe/internal/probeerr"
)

// DefaultMount is where procfs lives on the host.
const DefaultMount = procfs.DefaultMountPoint

var (
	libpythonRegex = regexp.MustCompile(`^(?:.*/)?libpython(\d)\.(\d+)[^/]*\.so`)
	pythonRegex    = regexp.MustCompile(`^(?:.*/)?python(\d)\.(\d+)(d|m|dm)?$`)
	// pyVersionRegex matches a whole PY_VERSION literal, such as "3.11.4" or
	// "3.13.0rc2".
	pyVersionRegex = regexp.MustCompile(`^(3\.\d{1,2}\.\d{1,2})(?:(?:a|b|rc)\d+)?\+?$`)
)

// Info is what discovery learns about a target.
type Info struct {
	PID     int
	Exe     string
	Arch    arch.Arch
	Version string
	// Runtime is the mapping the version was read from.
	Runtime string
}

// Mapping is one file-backed region of the target address space.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset int64
	Exec   bool
	Path   string
}

// FS reads process information below a procfs mount.
type FS struct {
	mount string
	fs    procfs.FS
}

// New opens the procfs mounted at mount.
func New(mount string) (*FS, error) {
	if mount == "" {
		mount = DefaultMount
	}
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, err
	}
	return &FS{mount: mount, fs: fs}, nil
}

// Path joins elements below the process directory of pid.
func (f *FS) Path(pid int, elem ...string) string {
	return filepath.Join(append([]string{f.mount, strconv.Itoa(pid)}, elem...)...)
}

// CheckAlive reports ErrNoSuchProcess for a pid that does not exist.
func CheckAlive(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: invalid pid %d", probeerr.ErrNoSuchProcess, pid)
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		// EPERM still means the process exists
		return nil
	case errors.Is(err, unix.ESRCH):
		return fmt.Errorf("%w: pid %d", probeerr.ErrNoSuchProcess, pid)
	default:
		return err
	}
}

// Discover fills Info for pid.
func (f *FS) Discover(pid int) (Info, error) {
	info := Info{PID: pid}
	proc, err := f.fs.Proc(pid)
	if err != nil {
		return info, classify(pid, err)
	}
	if exe, err := proc.Executable(); err == nil {
		info.Exe = exe
	}

	info.Arch, err = f.Arch(pid)
	if err != nil {
		return info, err
	}

	maps, err := f.Mappings(pid)
	if err != nil {
		return info, err
	}
	info.Version, info.Runtime = versionFrom(info.Exe, maps)

	// The file names only carry major.minor. The runtime's own build, or the
	// executable of a statically linked interpreter, has the full release.
	scan := f.Path(pid, "exe")
	if info.Runtime != "" && info.Runtime != info.Exe {
		scan = f.RootPath(pid, info.Runtime)
	}
	if full, err := buildVersion(scan, info.Version); err == nil {
		info.Version = full
		if info.Runtime == "" {
			info.Runtime = info.Exe
		}
	}
	return info, nil
}

// Arch reads the ELF header of the target executable.
func (f *FS) Arch(pid int) (arch.Arch, error) {
	ef, err := elf.Open(f.Path(pid, "exe"))
	if err != nil {
		return arch.Unknown, classify(pid, err)
	}
	defer ef.Close()
	a := arch.FromELF(ef.Machine, ef.Class)
	if a == arch.Unknown {
		return a, fmt.Errorf("%w: %s/%s", probeerr.ErrUnsupportedArchitecture, ef.Class, ef.Machine)
	}
	return a, nil
}

// Mappings returns the file-backed mappings of pid.
func (f *FS) Mappings(pid int) ([]Mapping, error) {
	proc, err := f.fs.Proc(pid)
	if err != nil {
		return nil, classify(pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, classify(pid, err)
	}
	out := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		if m.Pathname == "" || strings.HasPrefix(m.Pathname, "[") {
			continue
		}
		out = append(out, Mapping{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: m.Offset,
			Exec:   m.Perms != nil && m.Perms.Execute,
			Path:   m.Pathname,
		})
	}
	return out, nil
}

// Threads lists the task ids of pid in ascending order.
func (f *FS) Threads(pid int) ([]int, error) {
	procs, err := f.fs.AllThreads(pid)
	if err != nil {
		return nil, classify(pid, err)
	}
	tids := make([]int, 0, len(procs))
	for _, p := range procs {
		tids = append(tids, p.PID)
	}
	sort.Ints(tids)
	return tids, nil
}

// TracerPID returns the pid tracing pid, or zero.
func (f *FS) TracerPID(pid int) (int, error) {
	file, err := os.Open(f.Path(pid, "status"))
	if err != nil {
		return 0, classify(pid, err)
	}
	defer file.Close()
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "TracerPid:"); ok {
			return strconv.Atoi(strings.TrimSpace(v))
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("pid %d: no TracerPid in status", pid)
}

// RootPath returns a host path for a file as the target sees it, so that
// targets in other mount namespaces resolve correctly.
func (f *FS) RootPath(pid int, path string) string {
	return f.Path(pid, "root", path)
}

func versionFrom(exe string, maps []Mapping) (version, runtime string) {
	for _, m := range maps {
		if sm := libpythonRegex.FindStringSubmatch(m.Path); sm != nil {
			return sm[1] + "." + sm[2], m.Path
		}
	}
	if sm := pythonRegex.FindStringSubmatch(exe); sm != nil {
		return sm[1] + "." + sm[2], exe
	}
	for _, m := range maps {
		if sm := pythonRegex.FindStringSubmatch(m.Path); sm != nil {
			return sm[1] + "." + sm[2], m.Path
		}
	}
	return "", ""
}

// buildVersion reads the PY_VERSION literal from the .rodata section of an
// ELF file. A non-empty prefix restricts it to that major.minor.
func buildVersion(path, prefix string) (string, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return "", err
	}
	defer ef.Close()
	sec := ef.Section(".rodata")
	if sec == nil {
		return "", fmt.Errorf("%s: no .rodata section", path)
	}
	data, err := sec.Data()
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	for len(data) > 0 {
		lit := data
		if i := bytes.IndexByte(data, 0); i >= 0 {
			lit, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		if len(lit) > 16 {
			continue
		}
		sm := pyVersionRegex.FindSubmatch(lit)
		if sm == nil {
			continue
		}
		if v := string(sm[1]); prefix == "" || strings.HasPrefix(v, prefix+".") {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s: no version literal", path)
}

func classify(pid int, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, unix.ESRCH):
		return fmt.Errorf("%w: pid %d", probeerr.ErrNoSuchProcess, pid)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: pid %d: %v", probeerr.ErrPermissionDenied, pid, err)
	}
	return fmt.Errorf("pid %d: %w", pid, err)
}
