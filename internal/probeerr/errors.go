// Package probeerr holds the error taxonomy shared by every probe component.
package probeerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPermissionDenied is returned when the caller may not trace the target.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAlreadyTraced is returned when another tracer holds the target.
	ErrAlreadyTraced = errors.New("process is already traced")
	// ErrNoSuchProcess is returned when the pid does not exist (anymore).
	ErrNoSuchProcess = errors.New("no such process")
	// ErrUnsupportedArchitecture is returned when controller and target architectures differ.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	// ErrUnsupportedVersion is returned when no version descriptor matches the target runtime.
	ErrUnsupportedVersion = errors.New("unsupported runtime version")
	// ErrLibraryNotFound is returned when no companion build exists for the target.
	ErrLibraryNotFound = errors.New("companion library not found")
	// ErrInjectionFailed is returned when the stub did not complete and was rolled back.
	ErrInjectionFailed = errors.New("injection failed")
	// ErrRestoreFailed is returned when the target could not be put back as it was.
	ErrRestoreFailed = errors.New("restore failed")
	// ErrChannelTimeout is returned when the companion did not answer in time.
	ErrChannelTimeout = errors.New("channel timeout")
	// ErrCorruptedFrameChain is returned when the frame chain cycles or is too deep.
	ErrCorruptedFrameChain = errors.New("corrupted frame chain")
	// ErrEvaluation matches every *EvaluationError.
	ErrEvaluation = errors.New("evaluation error")
	// ErrInvalidHandle is returned for any use of a detached or failed handle.
	ErrInvalidHandle = errors.New("invalid handle")
)

// RestoreError reports a failed restore. Verified is true only when a retry
// proved the original bytes and registers are back in place.
type RestoreError struct {
	PID          int
	Addr         uint64
	Verified     bool
	TargetExited bool
	Cause        error
}

func (e *RestoreError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "restore failed for pid %d at %#x", e.PID, e.Addr)
	if e.TargetExited {
		b.WriteString(": target exited")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if !e.Verified {
		b.WriteString(" (target state NOT verified restored)")
	}
	return b.String()
}

func (e *RestoreError) Is(target error) bool { return target == ErrRestoreFailed }

func (e *RestoreError) Unwrap() error { return e.Cause }

// EvaluationError carries an exception raised by a user snippet. It is a
// successful round trip, not a session fault.
type EvaluationError struct {
	Type      string
	Message   string
	Traceback string
}

func (e *EvaluationError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluation }

// Phase groups errors by the policy applied to them.
type Phase int

const (
	PhaseUnknown Phase = iota
	// PhasePrecondition errors happen before any target mutation.
	PhasePrecondition
	// PhaseInjection errors happen while the target is being mutated.
	PhaseInjection
	// PhaseRuntime errors end the session without claiming corruption.
	PhaseRuntime
	// PhaseUser errors are normal results of user input.
	PhaseUser
)

func (p Phase) String() string {
	switch p {
	case PhasePrecondition:
		return "precondition"
	case PhaseInjection:
		return "injection"
	case PhaseRuntime:
		return "runtime"
	case PhaseUser:
		return "user"
	default:
		return "unknown"
	}
}

// PhaseOf classifies err.
func PhaseOf(err error) Phase {
	switch {
	case err == nil:
		return PhaseUnknown
	case errors.Is(err, ErrRestoreFailed), errors.Is(err, ErrInjectionFailed):
		return PhaseInjection
	case errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrAlreadyTraced),
		errors.Is(err, ErrNoSuchProcess),
		errors.Is(err, ErrUnsupportedArchitecture),
		errors.Is(err, ErrUnsupportedVersion),
		errors.Is(err, ErrLibraryNotFound):
		return PhasePrecondition
	case errors.Is(err, ErrChannelTimeout), errors.Is(err, ErrCorruptedFrameChain):
		return PhaseRuntime
	case errors.Is(err, ErrEvaluation):
		return PhaseUser
	default:
		return PhaseUnknown
	}
}

// TargetStateUnverified reports whether err says the target may have been
// left modified.
func TargetStateUnverified(err error) bool {
	var re *RestoreError
	if errors.As(err, &re) {
		return !re.Verified
	}
	return false
}
