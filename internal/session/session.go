package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pyprobe/internal/arch"
	"pyprobe/internal/frames"
	"pyprobe/internal/inject"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/repl"
	"pyprobe/internal/tracee"
	"pyprobe/internal/value"
	"pyprobe/internal/versions"
)

// Info describes an open session.
type Info struct {
	PID        int
	Arch       arch.Arch
	Exe        string
	Version    string
	Runtime    string
	Descriptor string
	Library    string
	Handle     uint64
	State      State
}

// Session is one attached target. Its methods are safe for concurrent use and
// run one at a time.
type Session struct {
	m   *Manager
	pid int
	log *zap.Logger

	mu       sync.Mutex
	state    State
	target   Target
	t        tracee.Process
	tid      int
	handle   uint64
	ch       Channel
	exec     *repl.Executor
	injector *inject.Injector
	failure  error
}

func newSession(m *Manager, pid int) *Session {
	log := m.opts.Log.With(zap.Int("pid", pid))
	return &Session{
		m:        m,
		pid:      pid,
		log:      log,
		state:    StateAttaching,
		injector: inject.New(inject.WithLogger(log)),
	}
}

func (s *Session) open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tgt, err := s.m.Prepare(s.pid)
	if err != nil {
		s.state = StateDetached
		return err
	}
	s.target = tgt
	s.log.Debug("target ready",
		zap.String("version", tgt.Info.Version),
		zap.String("descriptor", tgt.Descriptor.Name),
		zap.String("library", tgt.Library))

	t, err := s.m.opts.Deps.Attach(ctx, s.pid, s.m.opts.AttachTimeout)
	if err != nil {
		s.state = StateDetached
		return err
	}
	s.t = t
	s.tid = injectionThread(t)

	handle, err := s.injector.Load(ctx, t, s.tid, tgt.Symbols, tgt.Library, s.m.opts.InjectTimeout)
	if err != nil {
		return s.abort(err)
	}
	s.handle = handle
	s.state = StateInjected
	s.log.Info("companion loaded", zap.Uint64("handle", handle))

	if err := t.Resume(); err != nil {
		return s.abort(fmt.Errorf("resume: %w", err))
	}
	ch, err := s.m.opts.Deps.Dial(ctx, s.pid, s.m.opts.ChannelTimeout)
	if err != nil {
		return s.abort(err)
	}
	s.ch = ch
	s.exec = repl.New(ch, s.m.opts.Limits)
	s.state = StateActive
	return nil
}

// abort undoes a partial attach. Callers hold s.mu.
func (s *Session) abort(cause error) error {
	var re *probeerr.RestoreError
	if errors.As(cause, &re) {
		s.state = StateFailed
		s.failure = cause
		s.record(re)
		return multierr.Append(cause, s.t.Detach())
	}
	err := cause
	if s.state == StateInjected {
		err = multierr.Append(err, s.retract())
	}
	err = multierr.Append(err, s.t.Detach())
	s.state = StateDetached
	return err
}

// record writes the snapshots left unverified by re to the ledger.
func (s *Session) record(re *probeerr.RestoreError) {
	if re.TargetExited {
		return
	}
	snaps := s.injector.Keeper().Outstanding()
	s.log.Error("target state not verified restored", zap.Error(re), zap.Int("snapshots", len(snaps)))
	if s.m.opts.Ledger == nil || len(snaps) == 0 {
		return
	}
	entries, err := s.m.opts.Ledger.Record(snaps, re)
	if err != nil {
		s.log.Error("could not record unverified snapshots", zap.Error(err))
		return
	}
	for _, e := range entries {
		s.log.Warn("recorded for recovery", zap.Uint64("entry", e.ID), zap.Uint64("addr", e.Addr), zap.String("ledger", s.m.opts.Ledger.Path()))
	}
}

// retract stops the target and unloads the companion. Only a restore failure
// is returned; anything else is logged. Callers hold s.mu.
func (s *Session) retract() error {
	if s.handle == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.m.opts.AttachTimeout)
	defer cancel()
	if err := s.t.Suspend(ctx); err != nil {
		s.log.Warn("could not stop target to unload companion", zap.Error(err))
		return nil
	}
	err := s.injector.Unload(ctx, s.t, s.tid, s.target.Symbols, s.handle, s.m.opts.InjectTimeout)
	var re *probeerr.RestoreError
	switch {
	case err == nil:
		s.handle = 0
		return nil
	case errors.As(err, &re):
		s.record(re)
		return err
	}
	s.log.Warn("companion left loaded", zap.Error(err))
	return nil
}

// usable fails unless the session is Active. Callers hold s.mu.
func (s *Session) usable() error {
	switch s.state {
	case StateActive:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: session on pid %d failed: %v", probeerr.ErrInvalidHandle, s.pid, s.failure)
	}
	return fmt.Errorf("%w: session on pid %d is %s", probeerr.ErrInvalidHandle, s.pid, s.state)
}

// observe moves the session to Failed on errors that end it. Callers hold
// s.mu.
func (s *Session) observe(err error) {
	if probeerr.PhaseOf(err) != probeerr.PhaseRuntime {
		return
	}
	s.log.Warn("session failed", zap.Error(err))
	s.state = StateFailed
	s.failure = err
}

// WalkFrames returns the Python stack of the thread holding the interpreter
// lock, innermost first.
func (s *Session) WalkFrames(ctx context.Context, opts frames.Options) ([]frames.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = s.m.opts.MaxDepth
	}
	if opts.Limits == (value.Limits{}) {
		opts.Limits = s.m.opts.Limits
	}
	opts.Log = s.log
	recs, err := frames.Collect(frames.Walk(ctx, s.ch, s.target.Descriptor, opts))
	if err != nil {
		s.observe(err)
		return nil, err
	}
	return recs, nil
}

// Execute evaluates text in the target. A Python exception is returned as a
// *probeerr.EvaluationError and leaves the session usable.
func (s *Session) Execute(ctx context.Context, text string) (value.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return value.Value{}, err
	}
	v, err := s.exec.Execute(ctx, text)
	if err != nil {
		s.observe(err)
		return value.Value{}, err
	}
	return v, nil
}

// Ping checks the channel without touching interpreter state.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	err := s.ch.Ping(ctx)
	if err != nil {
		s.observe(err)
	}
	return err
}

// Detach closes the channel, unloads the companion when the session was
// Active, and releases the target. A Failed session keeps its companion
// loaded. It is idempotent.
func (s *Session) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDetached {
		return nil
	}
	prev := s.state
	s.state = StateDetaching

	var err error
	if s.ch != nil {
		if cerr := s.ch.Close(); cerr != nil {
			s.log.Debug("close channel", zap.Error(cerr))
		}
		s.ch = nil
	}
	switch {
	case prev == StateActive || prev == StateInjected:
		err = multierr.Append(err, s.retract())
	case prev == StateFailed && s.handle != 0:
		// dlclose never runs against a failed companion
		s.log.Warn("companion left loaded",
			zap.Uint64("handle", s.handle),
			zap.String("library", s.target.Library),
			zap.NamedError("cause", s.failure))
	}
	if s.t != nil {
		err = multierr.Append(err, s.t.Detach())
	}
	s.state = StateDetached
	s.m.release(s)
	s.log.Info("detached", zap.Stringer("from", prev), zap.Error(err))
	return err
}

// State is the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Info describes the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		PID:        s.pid,
		Arch:       s.target.Info.Arch,
		Exe:        s.target.Info.Exe,
		Version:    s.target.Info.Version,
		Runtime:    s.target.Info.Runtime,
		Descriptor: s.target.Descriptor.Name,
		Library:    s.target.Library,
		Handle:     s.handle,
		State:      s.state,
	}
}

// Descriptor is the layout the session walks frames with.
func (s *Session) Descriptor() versions.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target.Descriptor
}

// injectionThread prefers the main thread, which is where the interpreter
// usually runs.
func injectionThread(t tracee.Process) int {
	threads := t.Threads()
	for _, tid := range threads {
		if tid == t.PID() {
			return tid
		}
	}
	if len(threads) > 0 {
		return threads[0]
	}
	return t.PID()
}
