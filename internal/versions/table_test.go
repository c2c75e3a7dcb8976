package versions

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyprobe/internal/probeerr"
)

func TestLookupBuiltin(t *testing.T) {
	tbl := Default()

	cases := map[string]string{
		"3.6":       "cpython-3.6-3.10",
		"3.10.12":   "cpython-3.6-3.10",
		"3.11":      "cpython-3.11",
		"3.11.0rc1": "cpython-3.11",
		"3.12.4":    "cpython-3.12",
	}
	for in, want := range cases {
		d, err := tbl.Lookup(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, d.Name, in)
	}

	d, err := tbl.Lookup("3.11")
	require.NoError(t, err)
	assert.Equal(t, LocalsFast, d.Locals)
	assert.Equal(t, int64(48), d.Offsets.FrameBack)
	assert.Equal(t, int64(8), d.Offsets.CFrameCurrentFrame)
}

func TestLookupUnsupportedIsHardFailure(t *testing.T) {
	tbl := Default()
	for _, v := range []string{"2.7", "3.5.10", "3.99", "", "not-a-version"} {
		_, err := tbl.Lookup(v)
		require.ErrorIs(t, err, probeerr.ErrUnsupportedVersion, v)
	}
}

func TestAppendRejectsOverlap(t *testing.T) {
	tbl := Default()
	before := len(tbl.Descriptors())

	err := tbl.Append(Descriptor{
		Name:       "bogus",
		Constraint: ">= 3.12.2, < 3.14",
		Locals:     LocalsFast,
		Offsets:    Offsets{CFrameCurrentFrame: NoIndirection},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps cpython-3.12")
	assert.Len(t, tbl.Descriptors(), before)
}

func TestAppendRejectsNarrowOverlap(t *testing.T) {
	for _, cons := range []string{">= 3.11.2, < 3.11.5", "~> 3.10.7", "= 3.12.3", "> 3.11.998, < 3.12"} {
		tbl := Default()
		err := tbl.Append(Descriptor{
			Name:       "narrow",
			Constraint: cons,
			Locals:     LocalsFast,
			Offsets:    Offsets{CFrameCurrentFrame: NoIndirection},
		})
		require.Error(t, err, cons)
		assert.Contains(t, err.Error(), "overlaps", cons)

		d, err := tbl.Lookup("3.11.3")
		require.NoError(t, err)
		assert.Equal(t, "cpython-3.11", d.Name)
	}
}

func TestAppendNewLayout(t *testing.T) {
	tbl := Default()
	require.NoError(t, tbl.Append(Descriptor{
		Name:       "cpython-3.13",
		Constraint: ">= 3.13, < 3.14",
		Locals:     LocalsFast,
		Offsets: Offsets{
			ThreadCurrentFrame: 72,
			CFrameCurrentFrame: NoIndirection,
			FrameBack:          8,
			FrameLocals:        72,
			InterpHead:         7000,
		},
	}))
	d, err := tbl.Lookup("3.13.1")
	require.NoError(t, err)
	assert.Equal(t, "cpython-3.13", d.Name)

	names := []string{}
	for _, d := range tbl.Descriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"cpython-3.6-3.10", "cpython-3.11", "cpython-3.12", "cpython-3.13"}, names)
}

func TestValidate(t *testing.T) {
	bad := Descriptor{Name: "x", Constraint: ">= 3.20", Locals: LocalsFast, Offsets: Offsets{FrameBack: 5, CFrameCurrentFrame: NoIndirection}}
	require.Error(t, bad.Validate())

	bad = Descriptor{Name: "x", Constraint: "whatever", Locals: LocalsFast}
	require.Error(t, bad.Validate())

	bad = Descriptor{Name: "x", Constraint: ">= 3.20", Locals: "heap", Offsets: Offsets{CFrameCurrentFrame: NoIndirection}}
	require.Error(t, bad.Validate())
}

func TestLoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/pyprobe/layouts.yaml", []byte(`
descriptors:
  - name: cpython-3.13
    versions: ">= 3.13, < 3.14"
    locals: fast
    offsets:
      thread_current_frame: 72
      frame_code: 0
      frame_locals: 72
      frame_back: 8
      interp_head: 7000
  - name: cpython-3.14
    versions: ">= 3.14, < 3.15"
    locals: fast
    offsets:
      thread_current_frame: 56
      cframe_current_frame: 8
      frame_back: 8
      frame_locals: 80
      interp_head: 16
`), 0o600))

	ds, err := LoadFile(fs, "/etc/pyprobe/layouts.yaml")
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, NoIndirection, ds[0].Offsets.CFrameCurrentFrame)
	assert.Equal(t, int64(8), ds[1].Offsets.CFrameCurrentFrame)
	assert.Equal(t, int64(80), ds[1].Offsets.FrameLocals)

	tbl := Default()
	for _, d := range ds {
		require.NoError(t, tbl.Append(d))
	}
}

func TestMajorMinor(t *testing.T) {
	mm, err := MajorMinor("3.11.4")
	require.NoError(t, err)
	assert.Equal(t, "3.11", mm)
}
