package channel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SocketDirEnv overrides the directory sockets live in, on both ends.
const SocketDirEnv = "PYPROBE_SOCKET_DIR"

// DefaultSocketDir is used when neither a directory nor SocketDirEnv is set.
const DefaultSocketDir = "/tmp"

// SocketDir resolves the socket directory.
// Order of precedence (first wins):
// 1) dir
// 2) PYPROBE_SOCKET_DIR
// 3) /tmp
func SocketDir(dir string) string {
	if dir != "" {
		return dir
	}
	if env := os.Getenv(SocketDirEnv); env != "" {
		return env
	}
	return DefaultSocketDir
}

// SocketPath is where the companion inside pid listens.
func SocketPath(dir string, pid int) string {
	return filepath.Join(SocketDir(dir), fmt.Sprintf("pyprobe-%d.sock", pid))
}

func socketTarget(path string) string {
	if trimmed, ok := strings.CutPrefix(path, "/"); ok {
		return "unix:///" + trimmed
	}
	return "unix://" + path
}
