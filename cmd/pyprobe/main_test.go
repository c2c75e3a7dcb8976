package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"pyprobe/internal/app"
	"pyprobe/internal/channel"
	"pyprobe/internal/frames"
	"pyprobe/internal/ledger"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/session"
	"pyprobe/internal/value"
	"pyprobe/internal/versions"
)

type stubController struct {
	backtraceFunc func(ctx context.Context, params app.BacktraceParams) (app.BacktraceResult, error)
	evalFunc      func(ctx context.Context, pid int, expr string) (value.Value, error)
	recoverFunc   func(ctx context.Context, pid int) (int, error)
	entries       []ledger.Entry
	closed        bool
}

func (s *stubController) Open(ctx context.Context, pid int) (*session.Session, error) {
	panic("Open not implemented")
}

func (s *stubController) Backtrace(ctx context.Context, params app.BacktraceParams) (app.BacktraceResult, error) {
	if s.backtraceFunc != nil {
		return s.backtraceFunc(ctx, params)
	}
	return app.BacktraceResult{}, errors.New("backtrace not implemented")
}

func (s *stubController) Eval(ctx context.Context, pid int, expr string) (value.Value, error) {
	if s.evalFunc != nil {
		return s.evalFunc(ctx, pid, expr)
	}
	return value.Value{}, errors.New("eval not implemented")
}

func (s *stubController) Inspect(ctx context.Context, pid int) (session.Report, error) {
	panic("Inspect not implemented")
}

func (s *stubController) Versions() ([]versions.Descriptor, error) {
	return versions.Default().Descriptors(), nil
}

func (s *stubController) Recoveries() ([]ledger.Entry, error) {
	return s.entries, nil
}

func (s *stubController) Recover(ctx context.Context, pid int) (int, error) {
	if s.recoverFunc != nil {
		return s.recoverFunc(ctx, pid)
	}
	return 0, nil
}

func (s *stubController) LedgerPath() (string, error) {
	return "/state/recovery.ledger", nil
}

func (s *stubController) Close() error {
	s.closed = true
	return nil
}

func withController(t *testing.T, stub controllerAPI) {
	t.Helper()
	origFactory := controllerFactory
	controllerFactory = func() controllerAPI {
		return stub
	}
	t.Cleanup(func() {
		controllerFactory = origFactory
	})
}

func withOutput(t *testing.T, cmd *cobra.Command) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(context.Background())
	t.Cleanup(func() {
		cmd.SetOut(nil)
		cmd.SetErr(nil)
	})
	return buf
}

func withInt(t *testing.T, p *int, v int) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestBacktracePrintsFrames(t *testing.T) {
	stub := &stubController{
		backtraceFunc: func(ctx context.Context, params app.BacktraceParams) (app.BacktraceResult, error) {
			if params.PID != 4242 || params.MaxDepth != 10 {
				t.Fatalf("unexpected params %+v", params)
			}
			return app.BacktraceResult{
				Info: session.Info{PID: 4242, Runtime: "cpython", Version: "3.11.4", Descriptor: "cpython-3.11"},
				Frames: []frames.Record{
					{Depth: 0, Code: channel.Code{Name: "work", Filename: "app.py"}, Line: 12},
				},
			}, nil
		},
	}
	withController(t, stub)
	buf := withOutput(t, cmdBacktrace)
	withInt(t, &btPID, 4242)
	withInt(t, &btMaxDepth, 10)

	if err := cmdBacktrace.RunE(cmdBacktrace, nil); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	want := "pid 4242: cpython 3.11.4 (cpython-3.11)\n#0 File \"app.py\", line 12, in work\n"
	if got := buf.String(); got != want {
		t.Fatalf("unexpected output %q", got)
	}
	if !stub.closed {
		t.Fatalf("controller was not closed")
	}
}

func TestBacktraceError(t *testing.T) {
	withController(t, &stubController{
		backtraceFunc: func(context.Context, app.BacktraceParams) (app.BacktraceResult, error) {
			return app.BacktraceResult{}, probeerr.ErrAlreadyTraced
		},
	})
	withOutput(t, cmdBacktrace)
	withInt(t, &btPID, 1)

	err := cmdBacktrace.RunE(cmdBacktrace, nil)
	if !errors.Is(err, probeerr.ErrAlreadyTraced) {
		t.Fatalf("expected ErrAlreadyTraced, got %v", err)
	}
}

func TestEvalPrintsPreview(t *testing.T) {
	withController(t, &stubController{
		evalFunc: func(ctx context.Context, pid int, expr string) (value.Value, error) {
			if expr != "len(items) + 1" {
				t.Fatalf("unexpected expr %q", expr)
			}
			return value.Int(8), nil
		},
	})
	buf := withOutput(t, cmdEval)
	withInt(t, &evalPID, 7)

	if err := cmdEval.RunE(cmdEval, []string{"len(items)", "+", "1"}); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	if got := buf.String(); got != "8\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestEvalNonePrintsNothing(t *testing.T) {
	withController(t, &stubController{
		evalFunc: func(context.Context, int, string) (value.Value, error) { return value.None(), nil },
	})
	buf := withOutput(t, cmdEval)
	withInt(t, &evalPID, 7)

	if err := cmdEval.RunE(cmdEval, []string{"x = 1"}); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestEvalPrintsTraceback(t *testing.T) {
	raised := &probeerr.EvaluationError{
		Type:      "ZeroDivisionError",
		Message:   "division by zero",
		Traceback: "Traceback (most recent call last):\n  File \"<string>\", line 1, in <module>\nZeroDivisionError: division by zero\n",
	}
	withController(t, &stubController{
		evalFunc: func(context.Context, int, string) (value.Value, error) { return value.Value{}, raised },
	})
	out := withOutput(t, cmdEval)
	stderr := &bytes.Buffer{}
	cmdEval.SetErr(stderr)
	withInt(t, &evalPID, 7)

	err := cmdEval.RunE(cmdEval, []string{"1/0"})
	var ee *probeerr.EvaluationError
	if !errors.As(err, &ee) || ee.Type != "ZeroDivisionError" {
		t.Fatalf("expected the raised exception, got %v", err)
	}
	if !strings.Contains(stderr.String(), "Traceback (most recent call last):") || !strings.Contains(stderr.String(), `File "<string>", line 1`) {
		t.Fatalf("traceback not printed: %q", stderr.String())
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestVersionsListsBuiltins(t *testing.T) {
	withController(t, &stubController{})
	buf := withOutput(t, cmdVersions)

	if err := cmdVersions.RunE(cmdVersions, nil); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != len(versions.Default().Descriptors()) {
		t.Fatalf("expected one line per descriptor, got %q", buf.String())
	}
}

func TestRecoverList(t *testing.T) {
	withController(t, &stubController{})
	buf := withOutput(t, cmdRecoverList)
	if err := cmdRecoverList.RunE(cmdRecoverList, nil); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	if got := buf.String(); got != "No unverified restores recorded\n" {
		t.Fatalf("unexpected output %q", got)
	}

	withController(t, &stubController{entries: []ledger.Entry{{
		ID: 3, PID: 600, Addr: 0x400040, Size: 96, Cause: "write stub",
		Recorded: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}})
	buf = withOutput(t, cmdRecoverList)
	if err := cmdRecoverList.RunE(cmdRecoverList, nil); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	want := "[id=3] pid=600 addr=0x400040 size=96 recorded=2026-01-02 03:04:05 cause=write stub\n"
	if got := buf.String(); got != want {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRecoverApply(t *testing.T) {
	withController(t, &stubController{
		recoverFunc: func(ctx context.Context, pid int) (int, error) {
			if pid != 600 {
				t.Fatalf("unexpected pid %d", pid)
			}
			return 2, nil
		},
	})
	buf := withOutput(t, cmdRecoverApply)
	withInt(t, &recoverPID, 600)

	if err := cmdRecoverApply.RunE(cmdRecoverApply, nil); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	if got := buf.String(); got != "Restored 2 snapshot(s) of pid 600\n" {
		t.Fatalf("unexpected output %q", got)
	}
}
