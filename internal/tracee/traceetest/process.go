// Package traceetest provides an in-memory tracee.Process for tests.
package traceetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"

	"pyprobe/internal/arch"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/tracee"
)

// ErrUnmapped is returned for accesses outside every mapped region.
var ErrUnmapped = errors.New("traceetest: address not mapped")

// Behavior selects what happens when a thread is continued.
type Behavior int

const (
	// CallReturns simulates the stub's call returning into its trap.
	CallReturns Behavior = iota
	// Hang never stops until interrupted.
	Hang
	// Crash stops with CrashSignal.
	Crash
	// Exit makes the process exit.
	Exit
)

// Call records one simulated stub execution.
type Call struct {
	TID   int
	Entry uint64
	Trap  uint64
}

type region struct {
	addr uint64
	data []byte
}

// Process is a fake stopped process.
type Process struct {
	mu sync.Mutex

	pid     int
	arch    arch.Arch
	threads []int
	regs    map[int]arch.Registers
	mem     []*region

	// Behavior applies to the next ContinueThread calls.
	Behavior Behavior
	// CrashSignal is reported with Behavior Crash.
	CrashSignal syscall.Signal
	// Returns is consumed one value per simulated call; when empty DefaultReturn is used.
	Returns       []uint64
	DefaultReturn uint64

	writeBudget   int
	budgetEnabled bool
	setRegsErr    error

	pending     map[int]tracee.Stop
	interrupted map[int]chan struct{}

	Calls       []Call
	Writes      int
	Resumes     int
	Suspends    int
	DetachCalls int
	detached    bool
	exited      bool
}

// New returns a fake process with one thread whose tid equals pid.
func New(pid int, a arch.Arch) *Process {
	p := &Process{
		pid:           pid,
		arch:          a,
		threads:       []int{pid},
		regs:          make(map[int]arch.Registers),
		pending:       make(map[int]tracee.Stop),
		interrupted:   make(map[int]chan struct{}),
		DefaultReturn: 0x7f00_0000_1000,
		CrashSignal:   syscall.SIGSEGV,
	}
	p.regs[pid] = arch.NewRegisters(a)
	return p
}

// Map adds a memory region.
func (p *Process) Map(addr uint64, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mem = append(p.mem, &region{addr: addr, data: append([]byte(nil), data...)})
	sort.Slice(p.mem, func(i, j int) bool { return p.mem[i].addr < p.mem[j].addr })
}

// AddThread registers an extra thread.
func (p *Process) AddThread(tid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = append(p.threads, tid)
	p.regs[tid] = arch.NewRegisters(p.arch)
}

// SetPC is a shortcut for tests that only care about the instruction pointer.
func (p *Process) SetPC(tid int, pc uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.regs[tid].Clone()
	r.SetPC(pc)
	p.regs[tid] = r
}

// FailWritesAfter lets n more bytes be written, then fails every write.
// A write that crosses the budget is applied partially.
func (p *Process) FailWritesAfter(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budgetEnabled = true
	p.writeBudget = n
}

// FailSetRegisters makes SetRegisters return err.
func (p *Process) FailSetRegisters(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setRegsErr = err
}

// Bytes returns a copy of n bytes at addr. It works after Detach too.
func (p *Process) Bytes(addr uint64, n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, off, err := p.find(addr, n)
	if err != nil {
		panic(err)
	}
	return append([]byte(nil), r.data[off:off+n]...)
}

// Detached reports whether Detach ran.
func (p *Process) Detached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}

func (p *Process) PID() int        { return p.pid }
func (p *Process) Arch() arch.Arch { return p.arch }

func (p *Process) Threads() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.threads...)
}

func (p *Process) check() error {
	if p.detached {
		return probeerr.ErrInvalidHandle
	}
	if p.exited {
		return fmt.Errorf("traceetest: pid %d: %w", p.pid, syscall.ESRCH)
	}
	return nil
}

func (p *Process) find(addr uint64, n int) (*region, int, error) {
	for _, r := range p.mem {
		if addr >= r.addr && addr+uint64(n) <= r.addr+uint64(len(r.data)) {
			return r, int(addr - r.addr), nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %#x+%d", ErrUnmapped, addr, n)
}

func (p *Process) ReadMemory(addr uint64, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	r, off, err := p.find(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, r.data[off:])
	return nil
}

func (p *Process) WriteMemory(addr uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	r, off, err := p.find(addr, len(data))
	if err != nil {
		return err
	}
	p.Writes++
	if p.budgetEnabled && p.writeBudget < len(data) {
		n := p.writeBudget
		copy(r.data[off:], data[:n])
		p.writeBudget = 0
		return fmt.Errorf("traceetest: write fault at %#x after %d bytes", addr+uint64(n), n)
	}
	if p.budgetEnabled {
		p.writeBudget -= len(data)
	}
	copy(r.data[off:], data)
	return nil
}

func (p *Process) Registers(tid int) (arch.Registers, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return arch.Registers{}, err
	}
	r, ok := p.regs[tid]
	if !ok {
		return arch.Registers{}, fmt.Errorf("traceetest: no thread %d", tid)
	}
	return r.Clone(), nil
}

func (p *Process) SetRegisters(tid int, regs arch.Registers) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	if p.setRegsErr != nil {
		return p.setRegsErr
	}
	if _, ok := p.regs[tid]; !ok {
		return fmt.Errorf("traceetest: no thread %d", tid)
	}
	p.regs[tid] = regs.Clone()
	return nil
}

func (p *Process) ContinueThread(tid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	switch p.Behavior {
	case Hang:
		p.interrupted[tid] = make(chan struct{})
	case Crash:
		p.pending[tid] = tracee.Stop{Signal: p.CrashSignal}
	case Exit:
		p.pending[tid] = tracee.Stop{Exited: true, ExitCode: 137}
		p.exited = true
	default:
		return p.simulateCall(tid)
	}
	return nil
}

// simulateCall finds the call+trap pair the stub ends with and reports the
// trap the way the kernel would.
func (p *Process) simulateCall(tid int) error {
	regs := p.regs[tid].Clone()
	entry := regs.PC()
	r, off, err := p.find(entry, 1)
	if err != nil {
		return err
	}
	var pattern []byte
	switch p.arch {
	case arch.AMD64:
		pattern = []byte{0xff, 0xd0, 0xcc}
	case arch.ARM64:
		pattern = []byte{0x00, 0x02, 0x3f, 0xd6, 0x00, 0x00, 0x20, 0xd4}
	}
	idx := bytes.Index(r.data[off:], pattern)
	if idx < 0 {
		p.pending[tid] = tracee.Stop{Signal: syscall.SIGILL}
		return nil
	}
	trap := entry + uint64(idx) + uint64(len(pattern)) - 4
	if p.arch == arch.AMD64 {
		trap = entry + uint64(idx) + 2
	}
	ret := p.DefaultReturn
	if len(p.Returns) > 0 {
		ret = p.Returns[0]
		p.Returns = p.Returns[1:]
	}
	regs.SetPC(trap + p.arch.TrapLen())
	regs.SetReturn(ret)
	p.regs[tid] = regs
	p.Calls = append(p.Calls, Call{TID: tid, Entry: entry, Trap: trap})
	p.pending[tid] = tracee.Stop{Signal: syscall.SIGTRAP}
	return nil
}

func (p *Process) InterruptThread(tid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.interrupted[tid]; ok {
		close(ch)
		delete(p.interrupted, tid)
		p.pending[tid] = tracee.Stop{Signal: syscall.SIGSTOP}
	}
	return nil
}

func (p *Process) WaitThread(ctx context.Context, tid int) (tracee.Stop, error) {
	for {
		p.mu.Lock()
		if st, ok := p.pending[tid]; ok {
			delete(p.pending, tid)
			p.mu.Unlock()
			return st, nil
		}
		ch, running := p.interrupted[tid]
		p.mu.Unlock()
		if !running {
			return tracee.Stop{}, fmt.Errorf("traceetest: thread %d is not running", tid)
		}
		select {
		case <-ctx.Done():
			return tracee.Stop{}, ctx.Err()
		case <-ch:
		}
	}
}

func (p *Process) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	p.Resumes++
	return nil
}

func (p *Process) Suspend(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	p.Suspends++
	return nil
}

func (p *Process) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DetachCalls++
	p.detached = true
	return nil
}

var _ tracee.Process = (*Process)(nil)
