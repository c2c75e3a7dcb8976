//go:build linux

package agent

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcMemory reads a process's memory through /proc/<pid>/mem. The
// companion opens its own process with os.Getpid().
type ProcMemory struct {
	fd int
}

// OpenProcMemory opens pid's memory for reading.
func OpenProcMemory(pid int) (*ProcMemory, error) {
	fd, err := unix.Open(fmt.Sprintf("/proc/%d/mem", pid), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open memory of %d: %w", pid, err)
	}
	return &ProcMemory{fd: fd}, nil
}

func (p *ProcMemory) ReadMemory(addr uint64, buf []byte) error {
	for done := 0; done < len(buf); {
		n, err := unix.Pread(p.fd, buf[done:], int64(addr)+int64(done))
		if err != nil {
			return fmt.Errorf("read %#x: %w", addr, err)
		}
		if n == 0 {
			return fmt.Errorf("read %#x: %w", addr, unix.EIO)
		}
		done += n
	}
	return nil
}

// Close releases the descriptor.
func (p *ProcMemory) Close() error { return unix.Close(p.fd) }
