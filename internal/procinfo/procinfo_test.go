package procinfo

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyprobe/internal/arch"
	"pyprobe/internal/probeerr"
)

const fakeMaps = `55d0c0000000-55d0c0001000 r--p 00000000 08:01 131 /usr/bin/python3.11
7f1000000000-7f1000200000 r-xp 00000000 08:01 4242 /usr/lib/x86_64-linux-gnu/libpython3.11.so.1.0
7f2000000000-7f2000028000 r--p 00000000 08:01 77 /usr/lib/x86_64-linux-gnu/libc.so.6
7f2000028000-7f20001bd000 r-xp 00028000 08:01 77 /usr/lib/x86_64-linux-gnu/libc.so.6
7ffd00000000-7ffd00021000 rw-p 00000000 00:00 0 [stack]
`

func fakeProc(t *testing.T, pid string, maps, status string, tids ...string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "task"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(maps), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644))
	for _, tid := range tids {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "task", tid), 0o755))
	}
	self, err := os.Executable()
	require.NoError(t, err)
	require.NoError(t, os.Symlink(self, filepath.Join(dir, "exe")))
	return root
}

func TestDiscover(t *testing.T) {
	root := fakeProc(t, "4242", fakeMaps, "Name:\tpython3\nTracerPid:\t0\n", "4242")
	fs, err := New(root)
	require.NoError(t, err)

	info, err := fs.Discover(4242)
	require.NoError(t, err)
	assert.Equal(t, "3.11", info.Version)
	assert.Equal(t, "/usr/lib/x86_64-linux-gnu/libpython3.11.so.1.0", info.Runtime)
	assert.Equal(t, arch.Host(), info.Arch)
}

func TestMappingsSkipsAnonymous(t *testing.T) {
	root := fakeProc(t, "7", fakeMaps, "TracerPid:\t0\n")
	fs, err := New(root)
	require.NoError(t, err)

	maps, err := fs.Mappings(7)
	require.NoError(t, err)
	require.Len(t, maps, 4)
	assert.True(t, maps[1].Exec)
	assert.Equal(t, uint64(0x7f2000028000), maps[3].Start)
	assert.Equal(t, int64(0x28000), maps[3].Offset)
}

func TestThreadsSorted(t *testing.T) {
	root := fakeProc(t, "10", fakeMaps, "TracerPid:\t0\n", "12", "10", "11")
	fs, err := New(root)
	require.NoError(t, err)

	tids, err := fs.Threads(10)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11, 12}, tids)
}

func TestTracerPID(t *testing.T) {
	root := fakeProc(t, "10", fakeMaps, "Name:\tpython3\nState:\tt (tracing stop)\nTracerPid:\t999\nUid:\t0\n")
	fs, err := New(root)
	require.NoError(t, err)

	tracer, err := fs.TracerPID(10)
	require.NoError(t, err)
	assert.Equal(t, 999, tracer)
}

func TestMissingProcess(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Discover(31337)
	require.ErrorIs(t, err, probeerr.ErrNoSuchProcess)
	_, err = fs.TracerPID(31337)
	require.ErrorIs(t, err, probeerr.ErrNoSuchProcess)
}

func TestVersionFrom(t *testing.T) {
	cases := []struct {
		exe  string
		maps []Mapping
		want string
	}{
		{exe: "/usr/bin/python3.9", want: "3.9"},
		{exe: "/opt/py/bin/python3.12d", want: "3.12"},
		{exe: "/usr/bin/uwsgi", maps: []Mapping{{Path: "/usr/lib/libpython3.10.so.1.0"}}, want: "3.10"},
		{exe: "/usr/bin/uwsgi", maps: []Mapping{{Path: "/usr/lib/libc.so.6"}}, want: ""},
	}
	for _, c := range cases {
		got, _ := versionFrom(c.exe, c.maps)
		assert.Equal(t, c.want, got, c.exe)
	}
}

// writeELF writes a minimal x86-64 ELF whose only data section is .rodata.
func writeELF(t *testing.T, path string, rodata []byte) {
	t.Helper()
	shstr := []byte("\x00.rodata\x00.shstrtab\x00")
	rodataOff := uint64(64)
	shstrOff := rodataOff + uint64(len(rodata))
	shoff := (shstrOff + uint64(len(shstr)) + 7) &^ 7

	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    64,
		Phentsize: 56,
		Shentsize: 64,
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	buf.Write(rodata)
	buf.Write(shstr)
	buf.Write(make([]byte, shoff-uint64(buf.Len())))

	sections := []elf.Section64{
		{},
		{Name: 1, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC), Off: rodataOff, Size: uint64(len(rodata)), Addralign: 1},
		{Name: 9, Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint64(len(shstr)), Addralign: 1},
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, sections))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o755))
}

func TestBuildVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libpython3.11.so.1.0")
	writeELF(t, path, []byte("\x00%.80s (%.80s) %.80s\x003.0.2\x00v3.11.9-x\x003.11.4\x00main\x00"))

	v, err := buildVersion(path, "3.11")
	require.NoError(t, err)
	assert.Equal(t, "3.11.4", v)

	v, err = buildVersion(path, "")
	require.NoError(t, err)
	assert.Equal(t, "3.0.2", v)

	_, err = buildVersion(path, "3.12")
	require.Error(t, err)
}

func TestDiscoverReadsFullVersion(t *testing.T) {
	root := fakeProc(t, "4242", fakeMaps, "TracerPid:\t0\n", "4242")
	lib := filepath.Join(root, "4242", "root", "usr/lib/x86_64-linux-gnu/libpython3.11.so.1.0")
	writeELF(t, lib, []byte("\x003.11.4\x00"))
	fs, err := New(root)
	require.NoError(t, err)

	info, err := fs.Discover(4242)
	require.NoError(t, err)
	assert.Equal(t, "3.11.4", info.Version)
	assert.Equal(t, "/usr/lib/x86_64-linux-gnu/libpython3.11.so.1.0", info.Runtime)
}

func TestDiscoverStaticInterpreter(t *testing.T) {
	const maps = `55d0c0000000-55d0c0001000 r-xp 00000000 08:01 131 /opt/app/server
`
	root := fakeProc(t, "77", maps, "TracerPid:\t0\n", "77")
	exe := filepath.Join(t.TempDir(), "server")
	writeELF(t, exe, []byte("\x00usage\x003.12.1+\x00"))
	link := filepath.Join(root, "77", "exe")
	require.NoError(t, os.Remove(link))
	require.NoError(t, os.Symlink(exe, link))
	fs, err := New(root)
	require.NoError(t, err)

	info, err := fs.Discover(77)
	require.NoError(t, err)
	assert.Equal(t, "3.12.1", info.Version)
	assert.Equal(t, exe, info.Runtime)
	assert.Equal(t, arch.AMD64, info.Arch)
}

func TestCheckAlive(t *testing.T) {
	require.NoError(t, CheckAlive(os.Getpid()))
	require.ErrorIs(t, CheckAlive(0), probeerr.ErrNoSuchProcess)
}
