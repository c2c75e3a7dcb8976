package snapshot

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyprobe/internal/arch"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/tracee/traceetest"
)

const base = 0x400000

func newTarget(t *testing.T) *traceetest.Process {
	t.Helper()
	p := traceetest.New(100, arch.AMD64)
	p.Map(base, bytes.Repeat([]byte{0x90}, 4096))
	p.SetPC(100, base+16)
	return p
}

func TestRestoreAfterCaptureIsIdentity(t *testing.T) {
	p := newTarget(t)
	origRegs, err := p.Registers(100)
	require.NoError(t, err)
	origMem := p.Bytes(base, 64)

	s, err := Capture(p, 100, base, 64)
	require.NoError(t, err)
	require.Equal(t, 0, p.Writes, "capture must not write")

	require.NoError(t, p.WriteMemory(base, bytes.Repeat([]byte{0xcc}, 64)))
	regs := origRegs.Clone()
	regs.SetPC(0xdead)
	require.NoError(t, p.SetRegisters(100, regs))

	require.NoError(t, Restore(p, s))

	gotRegs, err := p.Registers(100)
	require.NoError(t, err)
	assert.True(t, origRegs.Equal(gotRegs))
	assert.Equal(t, origMem, p.Bytes(base, 64))
	assert.True(t, s.Consumed())
}

func TestRestoreTwiceFails(t *testing.T) {
	p := newTarget(t)
	s, err := Capture(p, 100, base, 8)
	require.NoError(t, err)
	require.NoError(t, Restore(p, s))
	require.ErrorIs(t, Restore(p, s), ErrConsumed)
}

func TestRestoreFailureIsReportedUnverified(t *testing.T) {
	p := newTarget(t)
	s, err := Capture(p, 100, base, 32)
	require.NoError(t, err)

	require.NoError(t, p.WriteMemory(base, bytes.Repeat([]byte{0xcc}, 32)))
	p.FailWritesAfter(10)

	err = Restore(p, s)
	require.ErrorIs(t, err, probeerr.ErrRestoreFailed)
	var re *probeerr.RestoreError
	require.True(t, errors.As(err, &re))
	assert.False(t, re.Verified)
	assert.Equal(t, uint64(base), re.Addr)
	assert.True(t, probeerr.TargetStateUnverified(err))
}

func TestRestoreRegisterFailureStillSurfaces(t *testing.T) {
	p := newTarget(t)
	s, err := Capture(p, 100, base, 8)
	require.NoError(t, err)
	p.SetPC(100, 0xdead)
	p.FailSetRegisters(errors.New("EIO"))

	err = Restore(p, s)
	var re *probeerr.RestoreError
	require.ErrorAs(t, err, &re)
	assert.False(t, re.Verified, "registers were not written back")
}

func TestKeeperRefusesOverlap(t *testing.T) {
	p := newTarget(t)
	k := NewKeeper()

	first, err := k.Capture(p, 100, base, 64)
	require.NoError(t, err)

	_, err = k.Capture(p, 100, base+32, 64)
	require.ErrorIs(t, err, ErrOverlap)

	second, err := k.Capture(p, 100, base+64, 16)
	require.NoError(t, err, "adjacent ranges do not overlap")
	assert.Len(t, k.Outstanding(), 2)

	require.NoError(t, Restore(p, first))
	_, err = k.Capture(p, 100, base+32, 16)
	require.NoError(t, err, "range is free after restore")

	require.NoError(t, Restore(p, second))
}

func TestBinaryRoundTrip(t *testing.T) {
	p := newTarget(t)
	s, err := Capture(p, 100, base, 128)
	require.NoError(t, err)

	data, err := s.MarshalBinary()
	require.NoError(t, err)

	var got Snapshot
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, s.PID, got.PID)
	assert.Equal(t, s.TID, got.TID)
	assert.True(t, s.Captured.Equal(got.Captured))
	assert.Equal(t, s.Addr, got.Addr)
	assert.Equal(t, s.Saved, got.Saved)
	assert.True(t, s.Regs.Equal(got.Regs))
	assert.False(t, got.Consumed())

	require.Error(t, got.UnmarshalBinary([]byte{9, 1, 2}))
}

func TestDecodedSnapshotRestores(t *testing.T) {
	p := newTarget(t)
	s, err := Capture(p, 100, base, 16)
	require.NoError(t, err)
	require.NoError(t, Restore(p, s))

	data, err := s.MarshalBinary()
	require.NoError(t, err)
	var again Snapshot
	require.NoError(t, again.UnmarshalBinary(data))
	assert.False(t, again.Consumed())
	require.NoError(t, Restore(p, &again))
	require.ErrorIs(t, Restore(p, &again), ErrConsumed)
}

func TestKeeperHoldsUnverifiedRange(t *testing.T) {
	p := newTarget(t)
	k := NewKeeper()

	s, err := k.Capture(p, 100, base, 32)
	require.NoError(t, err)
	p.FailWritesAfter(0)

	require.ErrorIs(t, Restore(p, s), probeerr.ErrRestoreFailed)
	assert.Equal(t, []*Snapshot{s}, k.Outstanding())
	_, err = k.Capture(p, 100, base+8, 8)
	require.ErrorIs(t, err, ErrOverlap)
}
