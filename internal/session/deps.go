package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pyprobe/internal/arch"
	"pyprobe/internal/attach"
	"pyprobe/internal/channel"
	"pyprobe/internal/inject"
	"pyprobe/internal/procinfo"
	"pyprobe/internal/tracee"
)

// Channel is the session's end of the execution channel.
type Channel interface {
	Do(ctx context.Context, op string, in, out any) error
	Ping(ctx context.Context) error
	Close() error
}

// Deps are the operating system facing steps of an attach. Tests replace
// them with in-memory versions.
type Deps struct {
	HostArch func() arch.Arch
	Discover func(pid int) (procinfo.Info, error)
	Attach   func(ctx context.Context, pid int, timeout time.Duration) (tracee.Process, error)
	Symbols  func(pid int) (inject.Symbols, error)
	Dial     func(ctx context.Context, pid int, timeout time.Duration) (Channel, error)
}

// SystemDeps returns the deps that act on real processes. socketDir is the
// channel socket directory, empty for the default.
func SystemDeps(fs *procinfo.FS, socketDir string, log *zap.Logger) Deps {
	return Deps{
		HostArch: arch.Host,
		Discover: fs.Discover,
		Attach: func(ctx context.Context, pid int, timeout time.Duration) (tracee.Process, error) {
			return attach.Attach(ctx, pid, attach.Options{Timeout: timeout, FS: fs, Log: log})
		},
		Symbols: func(pid int) (inject.Symbols, error) {
			return inject.ResolveSymbols(fs, pid)
		},
		Dial: func(ctx context.Context, pid int, timeout time.Duration) (Channel, error) {
			conn, err := channel.Dial(ctx, pid, channel.DialOptions{Dir: socketDir, Timeout: timeout, ExpectPID: pid, Log: log})
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
}
