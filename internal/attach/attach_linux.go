package attach

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pyprobe/internal/arch"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/procinfo"
	"pyprobe/internal/tracee"
)

const (
	waitPoll    = 2 * time.Millisecond
	forwardPoll = 20 * time.Millisecond
	detachGrace = time.Second
)

type thread struct {
	stopped bool
	pending []syscall.Signal
}

// Process is a ptrace-attached target.
type Process struct {
	pid  int
	arch arch.Arch
	fs   *procinfo.FS
	log  *zap.Logger

	reqs chan func()
	quit chan struct{}
	done chan struct{}

	detachOnce sync.Once

	mu       sync.Mutex
	threads  map[int]*thread
	detached bool
	exited   bool

	fwdStop chan struct{}
	fwdDone chan struct{}
}

func attach(ctx context.Context, pid int, opts Options) (tracee.Process, error) {
	a, err := opts.FS.Arch(pid)
	if err != nil {
		return nil, err
	}
	if host := arch.Host(); a != host {
		return nil, fmt.Errorf("%w: controller is %s, target is %s", probeerr.ErrUnsupportedArchitecture, host, a)
	}

	p := &Process{
		pid:     pid,
		arch:    a,
		fs:      opts.FS,
		log:     opts.Log.With(zap.Int("pid", pid)),
		reqs:    make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		threads: make(map[int]*thread),
	}
	go p.loop()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := p.seizeNew(ctx); err != nil {
		return nil, multierr.Append(err, p.Detach())
	}
	p.log.Debug("attached", zap.Ints("threads", p.Threads()))
	return p, nil
}

// loop owns the OS thread every ptrace request for this target runs on. The
// thread is never unlocked, so it dies with the goroutine.
func (p *Process) loop() {
	runtime.LockOSThread()
	defer close(p.done)
	for {
		select {
		case fn := <-p.reqs:
			fn()
		case <-p.quit:
			return
		}
	}
}

func (p *Process) exec(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case p.reqs <- func() { errc <- fn() }:
	case <-p.done:
		return probeerr.ErrInvalidHandle
	}
	return <-errc
}

func (p *Process) ptraceError(err error) error {
	tracer, _ := p.fs.TracerPID(p.pid)
	return classify(p.pid, tracer, err)
}

// seizeNew attaches to threads not seen yet until a rescan finds none.
func (p *Process) seizeNew(ctx context.Context) error {
	for {
		tids, err := p.fs.Threads(p.pid)
		if err != nil {
			return err
		}
		var fresh []int
		p.mu.Lock()
		for _, tid := range tids {
			if _, ok := p.threads[tid]; !ok {
				fresh = append(fresh, tid)
			}
		}
		p.mu.Unlock()
		if len(fresh) == 0 {
			return nil
		}

		for _, tid := range fresh {
			if err := p.exec(func() error { return unix.PtraceSeize(tid) }); err != nil {
				if tid != p.pid && errors.Is(err, unix.ESRCH) {
					continue // thread exited between listing and seize
				}
				return p.ptraceError(err)
			}
			p.mu.Lock()
			p.threads[tid] = &thread{}
			p.mu.Unlock()

			if err := p.exec(func() error { return unix.PtraceInterrupt(tid) }); err != nil {
				return p.ptraceError(err)
			}
			if err := p.waitStopped(ctx, tid); err != nil {
				return err
			}
			if err := p.exec(func() error { return unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE) }); err != nil {
				p.log.Warn("cannot trace clones", zap.Int("tid", tid), zap.Error(err))
			}
		}
	}
}

func (p *Process) PID() int        { return p.pid }
func (p *Process) Arch() arch.Arch { return p.arch }

func (p *Process) Threads() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	tids := make([]int, 0, len(p.threads))
	for tid := range p.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids
}

func (p *Process) check() error {
	if p.detached {
		return probeerr.ErrInvalidHandle
	}
	if p.exited {
		return fmt.Errorf("%w: pid %d exited", probeerr.ErrNoSuchProcess, p.pid)
	}
	return nil
}

// stoppedThread picks a thread memory requests can go through.
func (p *Process) stoppedThread() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return 0, err
	}
	if th, ok := p.threads[p.pid]; ok && th.stopped {
		return p.pid, nil
	}
	for tid, th := range p.threads {
		if th.stopped {
			return tid, nil
		}
	}
	return 0, fmt.Errorf("pid %d: no stopped thread", p.pid)
}

func (p *Process) ReadMemory(addr uint64, buf []byte) error {
	tid, err := p.stoppedThread()
	if err != nil {
		return err
	}
	return p.exec(func() error {
		n, err := unix.PtracePeekData(tid, uintptr(addr), buf)
		if err != nil {
			return fmt.Errorf("read %d bytes at %#x: %w", len(buf), addr, err)
		}
		if n != len(buf) {
			return fmt.Errorf("read at %#x: short read %d of %d", addr, n, len(buf))
		}
		return nil
	})
}

func (p *Process) WriteMemory(addr uint64, data []byte) error {
	tid, err := p.stoppedThread()
	if err != nil {
		return err
	}
	return p.exec(func() error {
		n, err := unix.PtracePokeData(tid, uintptr(addr), data)
		if err != nil {
			return fmt.Errorf("write %d bytes at %#x: %w (%d written)", len(data), addr, err, n)
		}
		if n != len(data) {
			return fmt.Errorf("write at %#x: short write %d of %d", addr, n, len(data))
		}
		return nil
	})
}

func (p *Process) Registers(tid int) (arch.Registers, error) {
	if err := p.usable(tid); err != nil {
		return arch.Registers{}, err
	}
	var regs arch.Registers
	err := p.exec(func() error {
		var raw unix.PtraceRegs
		if err := unix.PtraceGetRegs(tid, &raw); err != nil {
			return fmt.Errorf("get registers of %d: %w", tid, err)
		}
		regs = fromPtrace(&raw)
		return nil
	})
	return regs, err
}

func (p *Process) SetRegisters(tid int, regs arch.Registers) error {
	if err := p.usable(tid); err != nil {
		return err
	}
	if regs.Arch != p.arch {
		return fmt.Errorf("%w: %s registers for a %s target", probeerr.ErrUnsupportedArchitecture, regs.Arch, p.arch)
	}
	if err := regs.Validate(); err != nil {
		return err
	}
	return p.exec(func() error {
		var raw unix.PtraceRegs
		toPtrace(regs, &raw)
		if err := unix.PtraceSetRegs(tid, &raw); err != nil {
			return fmt.Errorf("set registers of %d: %w", tid, err)
		}
		return nil
	})
}

func (p *Process) usable(tid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	if _, ok := p.threads[tid]; !ok {
		return fmt.Errorf("pid %d: thread %d is not attached", p.pid, tid)
	}
	return nil
}

func (p *Process) ContinueThread(tid int) error {
	if err := p.usable(tid); err != nil {
		return err
	}
	if err := p.exec(func() error { return unix.PtraceCont(tid, 0) }); err != nil {
		return fmt.Errorf("continue %d: %w", tid, err)
	}
	p.setStopped(tid, false)
	return nil
}

func (p *Process) InterruptThread(tid int) error {
	if err := p.usable(tid); err != nil {
		return err
	}
	return p.exec(func() error { return unix.PtraceInterrupt(tid) })
}

// WaitThread reports the next stop of tid that the caller has to act on.
// Non-fatal signals are queued for redelivery and the thread is continued.
func (p *Process) WaitThread(ctx context.Context, tid int) (tracee.Stop, error) {
	for {
		ws, err := p.wait4(ctx, tid)
		if err != nil {
			return tracee.Stop{}, err
		}
		switch {
		case ws.Exited():
			p.gone(tid)
			return tracee.Stop{Exited: true, ExitCode: ws.ExitStatus()}, nil
		case ws.Signaled():
			p.gone(tid)
			return tracee.Stop{Exited: true, ExitCode: 128 + int(ws.Signal()), Signal: ws.Signal()}, nil
		case !ws.Stopped():
			continue
		}

		p.setStopped(tid, true)
		sig := ws.StopSignal()
		switch event := int(ws >> 16); {
		case sig == unix.SIGTRAP && event == unix.PTRACE_EVENT_CLONE:
			if err := p.adoptClone(ctx, tid); err != nil {
				p.log.Warn("cannot adopt new thread", zap.Int("parent", tid), zap.Error(err))
			}
		case event == unix.PTRACE_EVENT_STOP:
			return tracee.Stop{Signal: unix.SIGSTOP}, nil
		case sig == unix.SIGTRAP:
			return tracee.Stop{Signal: unix.SIGTRAP}, nil
		default:
			if st := (tracee.Stop{Signal: sig}); st.Fatal() {
				return st, nil
			}
			p.queue(tid, sig)
		}
		if err := p.exec(func() error { return unix.PtraceCont(tid, 0) }); err != nil {
			return tracee.Stop{}, fmt.Errorf("continue %d: %w", tid, err)
		}
		p.setStopped(tid, false)
	}
}

func (p *Process) wait4(ctx context.Context, tid int) (unix.WaitStatus, error) {
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(tid, &ws, unix.WALL|unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return 0, fmt.Errorf("wait %d: %w", tid, err)
		case wpid == tid:
			return ws, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}

// waitStopped waits for tid to acknowledge an interrupt. Stops that are not
// ours are queued so the target still sees them later.
func (p *Process) waitStopped(ctx context.Context, tid int) error {
	st, err := p.WaitThread(ctx, tid)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("thread %d did not stop: %w", tid, err)
		}
		return err
	}
	if !st.Exited && st.Signal != unix.SIGSTOP {
		p.queue(tid, st.Signal)
	}
	return nil
}

func (p *Process) adoptClone(ctx context.Context, parent int) error {
	var msg uint
	if err := p.exec(func() (err error) { msg, err = unix.PtraceGetEventMsg(parent); return err }); err != nil {
		return err
	}
	child := int(msg)
	p.mu.Lock()
	p.threads[child] = &thread{}
	p.mu.Unlock()
	// a traced clone starts in a ptrace stop of its own
	if err := p.waitStopped(ctx, child); err != nil {
		return err
	}
	p.log.Debug("adopted thread", zap.Int("tid", child))
	return nil
}

func (p *Process) setStopped(tid int, stopped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if th, ok := p.threads[tid]; ok {
		th.stopped = stopped
	}
}

func (p *Process) queue(tid int, sig syscall.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if th, ok := p.threads[tid]; ok {
		th.pending = append(th.pending, sig)
	}
}

func (p *Process) gone(tid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threads, tid)
	if tid == p.pid || len(p.threads) == 0 {
		p.exited = true
	}
}

// Resume continues every stopped thread, delivering queued signals, and
// starts forwarding signals until the next Suspend or Detach.
func (p *Process) Resume() error {
	p.mu.Lock()
	if err := p.check(); err != nil {
		p.mu.Unlock()
		return err
	}
	type resume struct {
		tid  int
		sigs []syscall.Signal
	}
	var todo []resume
	for tid, th := range p.threads {
		if th.stopped {
			todo = append(todo, resume{tid: tid, sigs: th.pending})
			th.pending = nil
			th.stopped = false
		}
	}
	p.mu.Unlock()

	var err error
	for _, r := range todo {
		sig := 0
		if len(r.sigs) > 0 {
			sig = int(r.sigs[0])
		}
		if cerr := p.exec(func() error { return unix.PtraceCont(r.tid, sig) }); cerr != nil && !errors.Is(cerr, unix.ESRCH) {
			err = multierr.Append(err, fmt.Errorf("continue %d: %w", r.tid, cerr))
		}
		for _, s := range r.sigs[min(1, len(r.sigs)):] {
			err = multierr.Append(err, p.redeliver(r.tid, s))
		}
	}
	p.startForwarding()
	return err
}

func (p *Process) redeliver(tid int, sig syscall.Signal) error {
	if err := unix.Tgkill(p.pid, tid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("redeliver %s to %d: %w", sig, tid, err)
	}
	return nil
}

func (p *Process) startForwarding() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fwdStop != nil {
		return
	}
	p.fwdStop = make(chan struct{})
	p.fwdDone = make(chan struct{})
	go p.forward(p.fwdStop, p.fwdDone)
}

func (p *Process) stopForwarding() {
	p.mu.Lock()
	stop, done := p.fwdStop, p.fwdDone
	p.fwdStop, p.fwdDone = nil, nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// forward passes every signal-delivery stop straight back to the target so a
// resumed process behaves as if it were not traced.
func (p *Process) forward(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(forwardPoll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for _, tid := range p.Threads() {
			var ws unix.WaitStatus
			wpid, err := unix.Wait4(tid, &ws, unix.WALL|unix.WNOHANG, nil)
			if err != nil || wpid != tid {
				continue
			}
			switch {
			case ws.Exited(), ws.Signaled():
				p.gone(tid)
				continue
			case !ws.Stopped():
				continue
			}
			sig := ws.StopSignal()
			event := int(ws >> 16)
			if event == unix.PTRACE_EVENT_CLONE {
				var msg uint
				if p.exec(func() (err error) { msg, err = unix.PtraceGetEventMsg(tid); return err }) == nil {
					p.mu.Lock()
					p.threads[int(msg)] = &thread{}
					p.mu.Unlock()
				}
			}
			if event != 0 || sig == unix.SIGTRAP {
				sig = 0
			}
			if err := p.exec(func() error { return unix.PtraceCont(tid, int(sig)) }); err != nil {
				p.log.Debug("forward failed", zap.Int("tid", tid), zap.Error(err))
			}
		}
	}
}

// Suspend stops every thread again, including threads created while the
// target was running.
func (p *Process) Suspend(ctx context.Context) error {
	p.stopForwarding()
	p.mu.Lock()
	if err := p.check(); err != nil {
		p.mu.Unlock()
		return err
	}
	var running []int
	for tid, th := range p.threads {
		if !th.stopped {
			running = append(running, tid)
		}
	}
	p.mu.Unlock()

	for _, tid := range running {
		if err := p.exec(func() error { return unix.PtraceInterrupt(tid) }); err != nil {
			if errors.Is(err, unix.ESRCH) {
				p.gone(tid)
				continue
			}
			return fmt.Errorf("interrupt %d: %w", tid, err)
		}
		if err := p.waitStopped(ctx, tid); err != nil {
			return err
		}
	}
	if err := p.check(); err != nil {
		return err
	}
	return p.seizeNew(ctx)
}

// Detach releases every thread and redelivers queued signals. It is safe to
// call more than once and from several goroutines. Only the first call
// reports errors.
func (p *Process) Detach() error {
	var err error
	first := false
	p.detachOnce.Do(func() {
		first = true
		err = p.detach()
	})
	if !first {
		return nil
	}
	return err
}

func (p *Process) detach() error {
	p.stopForwarding()

	ctx, cancel := context.WithTimeout(context.Background(), detachGrace)
	defer cancel()

	var err error
	for _, tid := range p.Threads() {
		p.mu.Lock()
		th := p.threads[tid]
		running := th != nil && !th.stopped
		p.mu.Unlock()
		if running {
			if ierr := p.exec(func() error { return unix.PtraceInterrupt(tid) }); ierr == nil {
				if werr := p.waitStopped(ctx, tid); werr != nil {
					err = multierr.Append(err, werr)
				}
			}
		}
		if derr := p.exec(func() error { return unix.PtraceDetach(tid) }); derr != nil && !errors.Is(derr, unix.ESRCH) {
			err = multierr.Append(err, fmt.Errorf("detach %d: %w", tid, derr))
		}
	}

	p.mu.Lock()
	pending := make(map[int][]syscall.Signal)
	for tid, th := range p.threads {
		if len(th.pending) > 0 {
			pending[tid] = th.pending
		}
	}
	p.detached = true
	p.mu.Unlock()
	for tid, sigs := range pending {
		for _, s := range sigs {
			err = multierr.Append(err, p.redeliver(tid, s))
		}
	}

	close(p.quit)
	<-p.done
	p.log.Debug("detached", zap.Error(err))
	return err
}

var _ tracee.Process = (*Process)(nil)
