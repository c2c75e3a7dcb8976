package versions

import (
	"fmt"
	"strings"
	"sync"

	goversion "github.com/hashicorp/go-version"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"pyprobe/internal/probeerr"
)

type entry struct {
	desc Descriptor
	cons goversion.Constraints
}

// Table is an append-only list of descriptors. Any version matches at most
// one entry.
type Table struct {
	mu      sync.RWMutex
	entries []entry
}

// Default returns a table holding the built-in layouts.
func Default() *Table {
	t, err := NewTable(builtin...)
	if err != nil {
		panic(fmt.Sprintf("versions: built-in table is invalid: %v", err))
	}
	return t
}

// NewTable builds a table from ds in order.
func NewTable(ds ...Descriptor) (*Table, error) {
	t := &Table{}
	for _, d := range ds {
		if err := t.Append(d); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Append adds d after validating it and checking it does not claim any
// version an existing entry already matches.
func (t *Table) Append(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	cons, err := goversion.NewConstraint(d.Constraint)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.desc.Name == d.Name {
			return fmt.Errorf("descriptor %s: already registered", d.Name)
		}
		if v := firstCommon(e.cons, cons); v != nil {
			return fmt.Errorf("descriptor %s overlaps %s at %s", d.Name, e.desc.Name, v)
		}
	}
	t.entries = append(t.entries, entry{desc: d, cons: cons})
	return nil
}

// sampleVersions covers every CPython release line a target could run.
var sampleVersions = func() []*goversion.Version {
	var out []*goversion.Version
	for major := 2; major <= 4; major++ {
		for minor := 0; minor <= 40; minor++ {
			for _, patch := range []int{0, 1, 50, 999} {
				v, _ := goversion.NewVersion(fmt.Sprintf("%d.%d.%d", major, minor, patch))
				out = append(out, v)
			}
		}
	}
	return out
}()

// firstCommon returns a version both constraint sets accept, or nil. Two
// ranges that intersect share their larger lower bound or the patch right
// after it, so every bound of both sets is tried next to the coarse grid.
func firstCommon(a, b goversion.Constraints) *goversion.Version {
	candidates := append(boundVersions(a), boundVersions(b)...)
	candidates = append(candidates, sampleVersions...)
	for _, v := range candidates {
		if a.Check(v) && b.Check(v) {
			return v
		}
	}
	return nil
}

// boundVersions returns each bound in cs with its neighbouring patches.
func boundVersions(cs goversion.Constraints) []*goversion.Version {
	var out []*goversion.Version
	for _, c := range cs {
		raw := strings.TrimLeft(c.String(), "<>=!~ ")
		v, err := goversion.NewVersion(raw)
		if err != nil {
			continue
		}
		seg := v.Segments()
		for _, patch := range []int{seg[2] - 1, seg[2], seg[2] + 1} {
			if patch < 0 {
				continue
			}
			n, err := goversion.NewVersion(fmt.Sprintf("%d.%d.%d", seg[0], seg[1], patch))
			if err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}

// Lookup returns the single descriptor matching version. A miss is
// ErrUnsupportedVersion; there is no nearest-match fallback.
func (t *Table) Lookup(version string) (Descriptor, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", probeerr.ErrUnsupportedVersion, err)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		found   Descriptor
		matches int
	)
	for _, e := range t.entries {
		if e.cons.Check(v) {
			found = e.desc
			matches++
		}
	}
	switch matches {
	case 1:
		return found, nil
	case 0:
		return Descriptor{}, fmt.Errorf("%w: %s", probeerr.ErrUnsupportedVersion, version)
	default:
		return Descriptor{}, fmt.Errorf("%w: %s matches %d descriptors", probeerr.ErrUnsupportedVersion, version, matches)
	}
}

// Descriptors returns the entries in insertion order.
func (t *Table) Descriptors() []Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Descriptor, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.desc)
	}
	return out
}

// ParseVersion accepts "3.11", "3.11.4" and "3.11.0rc1". Pre-release tags
// are dropped so a release candidate uses its final release layout.
func ParseVersion(s string) (*goversion.Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	v, err := goversion.NewVersion(s)
	if err != nil {
		return nil, err
	}
	return v.Core(), nil
}

// MajorMinor renders "3.11" for any accepted version string.
func MajorMinor(s string) (string, error) {
	v, err := ParseVersion(s)
	if err != nil {
		return "", err
	}
	seg := v.Segments()
	return fmt.Sprintf("%d.%d", seg[0], seg[1]), nil
}

type fileOffsets struct {
	Offsets `yaml:",inline"`
	CFrame  *int64 `yaml:"cframe_current_frame"`
}

type fileDescriptor struct {
	Name       string      `yaml:"name"`
	Constraint string      `yaml:"versions"`
	Locals     LocalsKind  `yaml:"locals"`
	Offsets    fileOffsets `yaml:"offsets"`
}

// LoadFile reads extra descriptors from a YAML file.
func LoadFile(fsys afero.Fs, path string) ([]Descriptor, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	var f struct {
		Descriptors []fileDescriptor `yaml:"descriptors"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]Descriptor, 0, len(f.Descriptors))
	for _, raw := range f.Descriptors {
		d := Descriptor{
			Name:       raw.Name,
			Constraint: raw.Constraint,
			Locals:     raw.Locals,
			Offsets:    raw.Offsets.Offsets,
		}
		d.Offsets.CFrameCurrentFrame = NoIndirection
		if raw.Offsets.CFrame != nil {
			d.Offsets.CFrameCurrentFrame = *raw.Offsets.CFrame
		}
		out = append(out, d)
	}
	return out, nil
}
