package snapshot

import (
	"fmt"
	"sort"
	"sync"
)

// Keeper enforces that outstanding snapshots of one target never overlap.
// Restoring a snapshot taken through the keeper releases its range.
type Keeper struct {
	mu   sync.Mutex
	held map[*Snapshot]struct{}
}

// NewKeeper returns an empty keeper.
func NewKeeper() *Keeper {
	return &Keeper{held: make(map[*Snapshot]struct{})}
}

// Capture takes a snapshot unless the range collides with one still held.
func (k *Keeper) Capture(t Target, tid int, addr uint64, size int) (*Snapshot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	end := addr + uint64(size)
	for s := range k.held {
		if addr < s.End() && s.Addr < end {
			return nil, fmt.Errorf("%w: [%#x, %#x) vs [%#x, %#x)", ErrOverlap, addr, end, s.Addr, s.End())
		}
	}

	s, err := Capture(t, tid, addr, size)
	if err != nil {
		return nil, err
	}
	k.held[s] = struct{}{}
	s.release = func() { k.drop(s) }
	return s, nil
}

func (k *Keeper) drop(s *Snapshot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, s)
}

// Outstanding returns the snapshots not yet restored, lowest address first.
func (k *Keeper) Outstanding() []*Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*Snapshot, 0, len(k.held))
	for s := range k.held {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
