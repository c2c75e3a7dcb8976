package inject

import (
	"debug/elf"
	"fmt"
	"path/filepath"
	"regexp"

	"pyprobe/internal/probeerr"
	"pyprobe/internal/procinfo"
)

// loaderLibRegex matches libc.so.6, libc-2.31.so, libdl.so.2 and ld-musl-x86_64.so.1.
var loaderLibRegex = regexp.MustCompile(`^(libc|libdl)([.-].*)?\.so(\..*)?$|^ld-musl-.*\.so.*$`)

// elfImage is what symbol resolution needs from a shared object.
type elfImage struct {
	// firstLoad is the page-aligned vaddr of the first PT_LOAD segment.
	firstLoad uint64
	symbols   map[string]uint64
}

// readImage is swapped in tests.
var readImage = openImage

func openImage(path string) (elfImage, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return elfImage{}, err
	}
	defer ef.Close()

	img := elfImage{firstLoad: ^uint64(0), symbols: make(map[string]uint64)}
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		align := p.Align
		if align == 0 {
			align = 1
		}
		if v := p.Vaddr &^ (align - 1); v < img.firstLoad {
			img.firstLoad = v
		}
	}
	if img.firstLoad == ^uint64(0) {
		img.firstLoad = 0
	}
	syms, err := ef.DynamicSymbols()
	if err != nil {
		return elfImage{}, fmt.Errorf("%s: %w", path, err)
	}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value != 0 {
			img.symbols[s.Name] = s.Value
		}
	}
	return img, nil
}

// ResolveSymbols finds dlopen and dlclose in the loader libraries mapped by
// pid.
func ResolveSymbols(fs *procinfo.FS, pid int) (Symbols, error) {
	maps, err := fs.Mappings(pid)
	if err != nil {
		return Symbols{}, err
	}

	bases := map[string]uint64{}
	var order []string
	for _, m := range maps {
		if m.Offset != 0 || !loaderLibRegex.MatchString(filepath.Base(m.Path)) {
			continue
		}
		if _, seen := bases[m.Path]; !seen {
			bases[m.Path] = m.Start
			order = append(order, m.Path)
		}
	}

	var (
		syms     Symbols
		fallback Symbols
	)
	for _, path := range order {
		img, err := readImage(fs.RootPath(pid, path))
		if err != nil {
			continue
		}
		base := bases[path] - img.firstLoad
		if v, ok := img.symbols["dlopen"]; ok && syms.Dlopen == 0 {
			syms.Dlopen = base + v
		}
		if v, ok := img.symbols["dlclose"]; ok && syms.Dlclose == 0 {
			syms.Dlclose = base + v
		}
		if v, ok := img.symbols["__libc_dlopen_mode"]; ok && fallback.Dlopen == 0 {
			fallback.Dlopen = base + v
		}
		if v, ok := img.symbols["__libc_dlclose"]; ok && fallback.Dlclose == 0 {
			fallback.Dlclose = base + v
		}
	}

	switch {
	case syms.Dlopen != 0:
		return syms, nil
	case fallback.Dlopen != 0:
		fallback.Internal = true
		return fallback, nil
	}
	return Symbols{}, fmt.Errorf("%w: no dlopen in pid %d", probeerr.ErrInjectionFailed, pid)
}
