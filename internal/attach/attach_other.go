//go:build !linux

package attach

import (
	"context"
	"fmt"
	"runtime"

	"pyprobe/internal/probeerr"
	"pyprobe/internal/tracee"
)

func attach(_ context.Context, pid int, _ Options) (tracee.Process, error) {
	return nil, fmt.Errorf("%w: live attach to pid %d is not implemented on %s", probeerr.ErrUnsupportedArchitecture, pid, runtime.GOOS)
}
