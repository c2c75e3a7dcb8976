// Package ledger remembers snapshots whose restore could not be verified, so
// an operator can retry them later with "pyprobe recover".
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"

	"pyprobe/internal/snapshot"
)

// FileName is the ledger file inside the state directory.
const FileName = "recovery.ledger"

// fileVersion is bumped when the file layout changes.
const fileVersion = 1

// Entry is one unverified restore.
type Entry struct {
	ID       uint64    `msgpack:"id"`
	PID      int       `msgpack:"pid"`
	Addr     uint64    `msgpack:"addr"`
	Size     int       `msgpack:"size"`
	Cause    string    `msgpack:"cause"`
	Recorded time.Time `msgpack:"recorded"`
	// Snapshot is the snapshot's MarshalBinary form.
	Snapshot []byte `msgpack:"snapshot"`
}

// Decode returns a fresh, restorable copy of the recorded snapshot.
func (e Entry) Decode() (*snapshot.Snapshot, error) {
	s := new(snapshot.Snapshot)
	if err := s.UnmarshalBinary(e.Snapshot); err != nil {
		return nil, fmt.Errorf("ledger entry %d: %w", e.ID, err)
	}
	return s, nil
}

type file struct {
	Version int     `msgpack:"version"`
	NextID  uint64  `msgpack:"next_id"`
	Entries []Entry `msgpack:"entries"`
	Saved   int64   `msgpack:"saved_unix"`
}

// Ledger is a file backed list of entries. Every change is written through.
type Ledger struct {
	mu      sync.RWMutex
	fs      afero.Fs
	path    string
	nextID  uint64
	entries map[uint64]Entry
}

// Open loads the ledger in dir, creating nothing until the first Record.
func Open(fs afero.Fs, dir string) (*Ledger, error) {
	l := &Ledger{
		fs:      fs,
		path:    filepath.Join(dir, FileName),
		nextID:  1,
		entries: make(map[uint64]Entry),
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", l.path, err)
	}
	return l, nil
}

// Path is the ledger file.
func (l *Ledger) Path() string { return l.path }

func (l *Ledger) load() error {
	b, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var f file
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return err
	}
	if f.Version != fileVersion {
		return fmt.Errorf("unknown ledger version %d", f.Version)
	}
	for _, e := range f.Entries {
		l.entries[e.ID] = e
	}
	if f.NextID > l.nextID {
		l.nextID = f.NextID
	}
	return nil
}

// save writes the ledger atomically. Callers hold l.mu.
func (l *Ledger) save() error {
	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return err
	}
	f := file{Version: fileVersion, NextID: l.nextID, Saved: time.Now().Unix()}
	f.Entries = l.sorted(func(Entry) bool { return true })

	b, err := msgpack.Marshal(f)
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := afero.WriteFile(l.fs, tmp, b, 0o600); err != nil {
		return err
	}
	return l.fs.Rename(tmp, l.path)
}

func (l *Ledger) sorted(keep func(Entry) bool) []Entry {
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Record stores snaps with the error that left them unverified.
func (l *Ledger) Record(snaps []*snapshot.Snapshot, cause error) ([]Entry, error) {
	if len(snaps) == 0 {
		return nil, nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	added := make([]Entry, 0, len(snaps))
	for _, s := range snaps {
		data, err := s.MarshalBinary()
		if err != nil {
			return nil, err
		}
		e := Entry{
			ID:       l.nextID,
			PID:      s.PID,
			Addr:     s.Addr,
			Size:     s.Len(),
			Cause:    msg,
			Recorded: time.Now().UTC(),
			Snapshot: data,
		}
		l.nextID++
		l.entries[e.ID] = e
		added = append(added, e)
	}
	if err := l.save(); err != nil {
		for _, e := range added {
			delete(l.entries, e.ID)
		}
		return nil, fmt.Errorf("save ledger: %w", err)
	}
	return added, nil
}

// List returns every entry, oldest first.
func (l *Ledger) List() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sorted(func(Entry) bool { return true })
}

// ForPID returns the entries of pid, oldest first.
func (l *Ledger) ForPID(pid int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sorted(func(e Entry) bool { return e.PID == pid })
}

// Remove drops the entry with id.
func (l *Ledger) Remove(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return fmt.Errorf("ledger: no entry %d", id)
	}
	delete(l.entries, id)
	if err := l.save(); err != nil {
		l.entries[id] = e
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}
