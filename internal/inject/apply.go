package inject

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pyprobe/internal/probeerr"
	"pyprobe/internal/snapshot"
	"pyprobe/internal/tracee"
)

// interruptGrace bounds the wait for a hung thread to acknowledge an interrupt.
const interruptGrace = time.Second

// Injector applies plans to one target. Its keeper guarantees that two
// outstanding injections never overlap.
type Injector struct {
	keeper *snapshot.Keeper
	log    *zap.Logger
}

// Option configures an Injector.
type Option func(*Injector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Injector) { in.log = l }
}

// WithKeeper shares a keeper between injectors of the same target.
func WithKeeper(k *snapshot.Keeper) Option {
	return func(in *Injector) { in.keeper = k }
}

// New returns an injector.
func New(opts ...Option) *Injector {
	in := &Injector{keeper: snapshot.NewKeeper(), log: zap.NewNop()}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Keeper exposes the snapshot keeper, mostly for recovery bookkeeping.
func (in *Injector) Keeper() *snapshot.Keeper { return in.keeper }

// Apply runs plan on its thread and returns the call's return register.
// The target is restored before Apply returns; if that cannot be verified the
// error is a *probeerr.RestoreError.
func (in *Injector) Apply(ctx context.Context, t tracee.Process, plan *Plan, timeout time.Duration) (uint64, error) {
	if plan.Arch != t.Arch() {
		return 0, fmt.Errorf("%w: plan is %s, target is %s", probeerr.ErrUnsupportedArchitecture, plan.Arch, t.Arch())
	}
	log := in.log.With(zap.Int("pid", t.PID()), zap.Int("tid", plan.TID), zap.Uint64("entry", plan.Entry))

	snap, err := in.keeper.Capture(t, plan.TID, plan.Entry, len(plan.Stub))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", probeerr.ErrInjectionFailed, err)
	}
	if snap.Regs.PC() != plan.Entry {
		// the thread moved since planning; nothing was written yet
		restoreErr := snapshot.Restore(t, snap)
		return 0, multierr.Append(fmt.Errorf("%w: thread %d is no longer at %#x", probeerr.ErrInjectionFailed, plan.TID, plan.Entry), restoreErr)
	}

	if err := t.WriteMemory(plan.Entry, plan.Stub); err != nil {
		return 0, in.rollback(t, snap, fmt.Errorf("write stub: %w", err))
	}

	regs := snap.Regs.Clone()
	regs.SetPC(plan.Entry)
	regs.DisableSyscallRestart()
	if err := t.SetRegisters(plan.TID, regs); err != nil {
		return 0, in.rollback(t, snap, fmt.Errorf("set registers: %w", err))
	}
	if err := t.ContinueThread(plan.TID); err != nil {
		return 0, in.rollback(t, snap, fmt.Errorf("continue: %w", err))
	}
	log.Debug("stub running", zap.Int("size", len(plan.Stub)))

	ret, err := in.await(ctx, t, plan, snap, timeout)
	if err != nil {
		return 0, err
	}
	if err := snapshot.Restore(t, snap); err != nil {
		log.Error("restore after injection failed", zap.Error(err))
		return 0, err
	}
	log.Debug("stub finished", zap.Uint64("ret", ret))
	return ret, nil
}

func (in *Injector) await(ctx context.Context, t tracee.Process, plan *Plan, snap *snapshot.Snapshot, timeout time.Duration) (uint64, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st, err := t.WaitThread(wctx, plan.TID)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return 0, in.rollback(t, snap, fmt.Errorf("wait: %w", err))
		}
		return 0, in.interruptAndRollback(t, plan, snap, timeout)
	}

	switch {
	case st.Exited:
		return 0, &probeerr.RestoreError{
			PID:          t.PID(),
			Addr:         plan.Entry,
			TargetExited: true,
			Cause:        fmt.Errorf("target %s during injection", st),
		}
	case st.Fatal():
		return 0, in.rollback(t, snap, fmt.Errorf("stub faulted: %s", st))
	case !st.Trapped():
		return 0, in.rollback(t, snap, fmt.Errorf("unexpected stop %s", st))
	}

	regs, err := t.Registers(plan.TID)
	if err != nil {
		return 0, in.rollback(t, snap, fmt.Errorf("read result: %w", err))
	}
	if pc := regs.PC(); pc != plan.ResumePC() {
		return 0, in.rollback(t, snap, fmt.Errorf("trap at %#x, expected %#x", pc, plan.ResumePC()))
	}
	return regs.Return(), nil
}

func (in *Injector) interruptAndRollback(t tracee.Process, plan *Plan, snap *snapshot.Snapshot, timeout time.Duration) error {
	cause := fmt.Errorf("stub did not trap within %s", timeout)
	if err := t.InterruptThread(plan.TID); err != nil {
		return in.rollback(t, snap, multierr.Append(cause, err))
	}
	gctx, cancel := context.WithTimeout(context.Background(), interruptGrace)
	defer cancel()
	st, err := t.WaitThread(gctx, plan.TID)
	if err != nil {
		cause = multierr.Append(cause, fmt.Errorf("interrupt: %w", err))
	} else if st.Exited {
		return &probeerr.RestoreError{PID: t.PID(), Addr: plan.Entry, TargetExited: true, Cause: cause}
	}
	return in.rollback(t, snap, cause)
}

// rollback restores snap and reports cause as ErrInjectionFailed, or the
// restore error when the rollback itself fails.
func (in *Injector) rollback(t tracee.Process, snap *snapshot.Snapshot, cause error) error {
	in.log.Warn("rolling back injection", zap.Int("pid", t.PID()), zap.Error(cause))
	if err := snapshot.Restore(t, snap); err != nil {
		var re *probeerr.RestoreError
		if errors.As(err, &re) {
			re.Cause = multierr.Append(cause, re.Cause)
			return re
		}
		return multierr.Append(fmt.Errorf("%w: %v", probeerr.ErrInjectionFailed, cause), err)
	}
	return fmt.Errorf("%w: %v", probeerr.ErrInjectionFailed, cause)
}
