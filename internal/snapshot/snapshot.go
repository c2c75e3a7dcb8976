// Package snapshot captures and restores the registers and memory bytes a
// probe is about to overwrite in a target.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"pyprobe/internal/arch"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/tracee"
)

var (
	// ErrOverlap is returned when a capture would cover bytes already held by
	// an unrestored snapshot.
	ErrOverlap = errors.New("snapshot: range overlaps an unrestored snapshot")
	// ErrConsumed is returned when a snapshot is restored twice.
	ErrConsumed = errors.New("snapshot: already restored")
)

// Target is what a snapshot needs from a tracee.
type Target interface {
	tracee.Memory
	tracee.RegisterFile
	PID() int
}

// Snapshot is an immutable copy of a thread's registers and a memory range.
type Snapshot struct {
	PID      int
	TID      int
	Regs     arch.Registers
	Addr     uint64
	Saved    []byte
	Captured time.Time

	mu       sync.Mutex
	consumed bool
	release  func()
}

// Len is the size of the saved range.
func (s *Snapshot) Len() int { return len(s.Saved) }

// End is the first address after the saved range.
func (s *Snapshot) End() uint64 { return s.Addr + uint64(len(s.Saved)) }

// Consumed reports whether Restore already ran.
func (s *Snapshot) Consumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// Capture reads the registers of tid and size bytes at addr. It never writes
// to the target.
func Capture(t Target, tid int, addr uint64, size int) (*Snapshot, error) {
	regs, err := t.Registers(tid)
	if err != nil {
		return nil, fmt.Errorf("capture registers of %d: %w", tid, err)
	}
	saved := make([]byte, size)
	if size > 0 {
		if err := t.ReadMemory(addr, saved); err != nil {
			return nil, fmt.Errorf("capture %d bytes at %#x: %w", size, addr, err)
		}
	}
	return &Snapshot{
		PID:      t.PID(),
		TID:      tid,
		Regs:     regs.Clone(),
		Addr:     addr,
		Saved:    saved,
		Captured: time.Now().UTC(),
	}, nil
}

// Restore writes the saved bytes and registers back. A failed restore is
// retried once as a raw byte write and is always reported as a
// *probeerr.RestoreError.
func Restore(t Target, s *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		return ErrConsumed
	}
	s.consumed = true

	err := writeBack(t, s)
	if err == nil {
		s.releaseRange()
		return nil
	}

	// one best-effort retry of the raw bytes, then re-verify everything
	retryErr := t.WriteMemory(s.Addr, s.Saved)
	verified := retryErr == nil && verify(t, s) == nil
	if verified {
		s.releaseRange()
	}
	return &probeerr.RestoreError{
		PID:      s.PID,
		Addr:     s.Addr,
		Verified: verified,
		Cause:    multierr.Append(err, retryErr),
	}
}

// releaseRange hands the range back to the keeper. Unverified ranges stay
// held so they show up in Keeper.Outstanding.
func (s *Snapshot) releaseRange() {
	if s.release != nil {
		s.release()
	}
}

func writeBack(t Target, s *Snapshot) error {
	var err error
	if len(s.Saved) > 0 {
		if werr := t.WriteMemory(s.Addr, s.Saved); werr != nil {
			err = multierr.Append(err, fmt.Errorf("write %d bytes at %#x: %w", len(s.Saved), s.Addr, werr))
		}
	}
	if rerr := t.SetRegisters(s.TID, s.Regs); rerr != nil {
		err = multierr.Append(err, fmt.Errorf("set registers of %d: %w", s.TID, rerr))
	}
	if err != nil {
		return err
	}
	return verify(t, s)
}

func verify(t Target, s *Snapshot) error {
	if len(s.Saved) > 0 {
		got := make([]byte, len(s.Saved))
		if err := t.ReadMemory(s.Addr, got); err != nil {
			return fmt.Errorf("verify read at %#x: %w", s.Addr, err)
		}
		if !bytes.Equal(got, s.Saved) {
			return fmt.Errorf("verify: memory at %#x differs after restore", s.Addr)
		}
	}
	regs, err := t.Registers(s.TID)
	if err != nil {
		return fmt.Errorf("verify registers of %d: %w", s.TID, err)
	}
	if !regs.Equal(s.Regs) {
		return fmt.Errorf("verify: registers of %d differ after restore", s.TID)
	}
	return nil
}
