// Package session composes attach, injection and the channel into probe
// sessions, one per target pid.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pyprobe/internal/inject"
	"pyprobe/internal/ledger"
	"pyprobe/internal/loader"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/procinfo"
	"pyprobe/internal/snapshot"
	"pyprobe/internal/value"
	"pyprobe/internal/versions"
)

const (
	defaultAttachTimeout  = 5 * time.Second
	defaultInjectTimeout  = 10 * time.Second
	defaultChannelTimeout = 5 * time.Second
)

// Options configure a Manager.
type Options struct {
	AttachTimeout  time.Duration
	InjectTimeout  time.Duration
	ChannelTimeout time.Duration
	// MaxDepth bounds frame walks that do not set their own.
	MaxDepth int
	Limits   value.Limits

	Table    *versions.Table
	Resolver *loader.Resolver
	// Ledger receives unverified snapshots. Nil disables recording.
	Ledger *ledger.Ledger
	Deps   Deps
	Log    *zap.Logger
}

func (o *Options) defaults() {
	if o.AttachTimeout <= 0 {
		o.AttachTimeout = defaultAttachTimeout
	}
	if o.InjectTimeout <= 0 {
		o.InjectTimeout = defaultInjectTimeout
	}
	if o.ChannelTimeout <= 0 {
		o.ChannelTimeout = defaultChannelTimeout
	}
	if o.Table == nil {
		o.Table = versions.Default()
	}
	if o.Resolver == nil {
		o.Resolver = loader.New()
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// Manager owns every session of this process.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[int]*Session
}

// NewManager returns a manager. opts.Deps must be complete; see SystemDeps.
func NewManager(opts Options) *Manager {
	opts.defaults()
	return &Manager{opts: opts, sessions: make(map[int]*Session)}
}

// Attach opens a session on pid. On error no session exists and, unless the
// error is a *probeerr.RestoreError, the target is as it was.
func (m *Manager) Attach(ctx context.Context, pid int) (*Session, error) {
	s := newSession(m, pid)
	if err := m.reserve(s); err != nil {
		return nil, err
	}
	if err := s.open(ctx); err != nil {
		m.release(s)
		return nil, err
	}
	return s, nil
}

func (m *Manager) reserve(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.pid]; ok {
		return fmt.Errorf("%w: pid %d already has a session in this process", probeerr.ErrAlreadyTraced, s.pid)
	}
	m.sessions[s.pid] = s
	return nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.pid] == s {
		delete(m.sessions, s.pid)
	}
}

// Get returns the open session on pid.
func (m *Manager) Get(pid int) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[pid]
	return s, ok
}

// Sessions lists open sessions by pid.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

// DetachAll detaches every session.
func (m *Manager) DetachAll() error {
	var err error
	for _, s := range m.Sessions() {
		err = multierr.Append(err, s.Detach())
	}
	return err
}

// Target is what discovery learns about a pid before anything is attached.
type Target struct {
	Info       procinfo.Info
	Descriptor versions.Descriptor
	Library    string
	Symbols    inject.Symbols
}

// Prepare runs every precondition of Attach without touching the target.
func (m *Manager) Prepare(pid int) (Target, error) {
	d := m.opts.Deps
	info, err := d.Discover(pid)
	if err != nil {
		return Target{}, err
	}
	tgt := Target{Info: info}
	if host := d.HostArch(); info.Arch != host {
		return tgt, fmt.Errorf("%w: pid %d is %s, probe is %s", probeerr.ErrUnsupportedArchitecture, pid, info.Arch, host)
	}
	if info.Version == "" {
		return tgt, fmt.Errorf("%w: no CPython runtime found in pid %d", probeerr.ErrUnsupportedVersion, pid)
	}
	if tgt.Descriptor, err = m.opts.Table.Lookup(info.Version); err != nil {
		return tgt, err
	}
	if tgt.Library, err = m.opts.Resolver.Resolve(info.Arch, info.Version); err != nil {
		return tgt, err
	}
	if tgt.Symbols, err = d.Symbols(pid); err != nil {
		return tgt, err
	}
	return tgt, nil
}

// Report is the result of Inspect.
type Report struct {
	Target
	TID  int
	Stub []inject.Line
}

// Inspect attaches to pid long enough to plan the dlopen call, and reports
// the plan without running it.
func (m *Manager) Inspect(ctx context.Context, pid int) (rep Report, err error) {
	if _, busy := m.Get(pid); busy {
		return Report{}, fmt.Errorf("%w: pid %d already has a session in this process", probeerr.ErrAlreadyTraced, pid)
	}
	tgt, err := m.Prepare(pid)
	rep.Target = tgt
	if err != nil {
		return rep, err
	}
	t, err := m.opts.Deps.Attach(ctx, pid, m.opts.AttachTimeout)
	if err != nil {
		return rep, err
	}
	defer func() { err = multierr.Append(err, t.Detach()) }()

	rep.TID = injectionThread(t)
	plan, err := inject.NewPlan(t, rep.TID, tgt.Symbols.DlopenCall(tgt.Library))
	if err != nil {
		return rep, err
	}
	rep.Stub, err = inject.Disassemble(plan)
	return rep, err
}

// Recover retries the ledger entries of pid and drops those that restore
// cleanly. It returns how many were restored.
func (m *Manager) Recover(ctx context.Context, pid int) (restored int, err error) {
	if m.opts.Ledger == nil {
		return 0, errors.New("recover: no ledger configured")
	}
	entries := m.opts.Ledger.ForPID(pid)
	if len(entries) == 0 {
		return 0, nil
	}
	if _, busy := m.Get(pid); busy {
		return 0, fmt.Errorf("%w: pid %d already has a session in this process", probeerr.ErrAlreadyTraced, pid)
	}
	t, err := m.opts.Deps.Attach(ctx, pid, m.opts.AttachTimeout)
	if err != nil {
		return 0, err
	}
	defer func() { err = multierr.Append(err, t.Detach()) }()

	for _, e := range entries {
		snap, derr := e.Decode()
		if derr != nil {
			err = multierr.Append(err, derr)
			continue
		}
		if rerr := snapshot.Restore(t, snap); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("entry %d: %w", e.ID, rerr))
			continue
		}
		if rerr := m.opts.Ledger.Remove(e.ID); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		restored++
		m.opts.Log.Info("recovered snapshot", zap.Int("pid", pid), zap.Uint64("entry", e.ID), zap.Uint64("addr", e.Addr))
	}
	return restored, err
}
