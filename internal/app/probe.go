package app

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"pyprobe/internal/frames"
	"pyprobe/internal/session"
	"pyprobe/internal/value"
)

// BacktraceParams configures a one-shot stack walk.
type BacktraceParams struct {
	PID      int
	MaxDepth int
	NoLocals bool
}

// BacktraceResult is the walked stack plus what the session knew about the
// target.
type BacktraceResult struct {
	Info   session.Info
	Frames []frames.Record
}

func validPID(pid int) error {
	if pid <= 0 {
		return errors.New("pid must be > 0")
	}
	return nil
}

// Open attaches a session the caller drives and must Detach.
func (a *App) Open(ctx context.Context, pid int) (*session.Session, error) {
	if err := validPID(pid); err != nil {
		return nil, err
	}
	if err := a.init(); err != nil {
		return nil, err
	}
	return a.manager.Attach(ctx, pid)
}

// Backtrace attaches, walks the Python stack and detaches.
func (a *App) Backtrace(ctx context.Context, params BacktraceParams) (res BacktraceResult, err error) {
	s, err := a.Open(ctx, params.PID)
	if err != nil {
		return res, err
	}
	defer func() { err = multierr.Append(err, s.Detach()) }()

	res.Info = s.Info()
	res.Frames, err = s.WalkFrames(ctx, frames.Options{MaxDepth: params.MaxDepth, NoLocals: params.NoLocals})
	return res, err
}

// Eval attaches, evaluates expr and detaches.
func (a *App) Eval(ctx context.Context, pid int, expr string) (v value.Value, err error) {
	s, err := a.Open(ctx, pid)
	if err != nil {
		return v, err
	}
	defer func() { err = multierr.Append(err, s.Detach()) }()
	return s.Execute(ctx, expr)
}

// Inspect reports what an attach would do, without doing it.
func (a *App) Inspect(ctx context.Context, pid int) (session.Report, error) {
	if err := validPID(pid); err != nil {
		return session.Report{}, err
	}
	if err := a.init(); err != nil {
		return session.Report{}, err
	}
	return a.manager.Inspect(ctx, pid)
}
