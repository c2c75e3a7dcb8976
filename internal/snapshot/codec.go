package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"pyprobe/internal/arch"
)

// encodingVersion prefixes serialized snapshots.
const encodingVersion byte = 1

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// wireSnapshot is the encoded form. Snapshot itself implements
// encoding.BinaryMarshaler, which msgpack would call back into.
type wireSnapshot struct {
	PID      int            `msgpack:"pid"`
	TID      int            `msgpack:"tid"`
	Regs     arch.Registers `msgpack:"regs"`
	Addr     uint64         `msgpack:"addr"`
	Saved    []byte         `msgpack:"saved"`
	Captured time.Time      `msgpack:"captured"`
}

// MarshalBinary encodes the snapshot as zstd-compressed msgpack.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	raw, err := msgpack.Marshal(wireSnapshot{
		PID:      s.PID,
		TID:      s.TID,
		Regs:     s.Regs,
		Addr:     s.Addr,
		Saved:    s.Saved,
		Captured: s.Captured,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	out := []byte{encodingVersion}
	return zstdEncoder.EncodeAll(raw, out), nil
}

// UnmarshalBinary decodes data produced by MarshalBinary. The result is a
// fresh, unconsumed snapshot.
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errors.New("decode snapshot: empty input")
	}
	if data[0] != encodingVersion {
		return fmt.Errorf("decode snapshot: unknown encoding version %d", data[0])
	}
	raw, err := zstdDecoder.DecodeAll(data[1:], nil)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	var w wireSnapshot
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if err := w.Regs.Validate(); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PID, s.TID, s.Regs, s.Addr, s.Saved, s.Captured = w.PID, w.TID, w.Regs, w.Addr, w.Saved, w.Captured
	s.consumed = false
	s.release = nil
	return nil
}
