package ledger

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyprobe/internal/arch"
	"pyprobe/internal/snapshot"
	"pyprobe/internal/tracee/traceetest"
)

func snap(t *testing.T, pid int, addr uint64) *snapshot.Snapshot {
	t.Helper()
	p := traceetest.New(pid, arch.AMD64)
	p.Map(addr, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	s, err := snapshot.Capture(p, pid, addr, 8)
	require.NoError(t, err)
	return s
}

func TestRecordPersists(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, err := Open(fs, "/state")
	require.NoError(t, err)
	assert.Empty(t, l.List())

	added, err := l.Record([]*snapshot.Snapshot{snap(t, 10, 0x1000), snap(t, 11, 0x2000)}, errors.New("write fault"))
	require.NoError(t, err)
	require.Len(t, added, 2)

	ok, err := afero.Exists(fs, "/state/"+FileName)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = afero.Exists(fs, "/state/"+FileName+".tmp")
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := Open(fs, "/state")
	require.NoError(t, err)
	entries := again.ForPID(11)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0x2000), entries[0].Addr)
	assert.Equal(t, "write fault", entries[0].Cause)

	s, err := entries[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, s.Saved)
	assert.False(t, s.Consumed())

	require.NoError(t, again.Remove(entries[0].ID))
	require.Error(t, again.Remove(entries[0].ID))

	third, err := Open(fs, "/state")
	require.NoError(t, err)
	require.Len(t, third.List(), 1)

	// ids are never reused
	more, err := third.Record([]*snapshot.Snapshot{snap(t, 12, 0x3000)}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), more[0].ID)
}

func TestOpenRejectsGarbage(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/"+FileName, []byte("not msgpack"), 0o600))
	_, err := Open(fs, "/state")
	require.Error(t, err)
}
