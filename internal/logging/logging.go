// Package logging builds the zap logger the CLI installs globally.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level picks the first non-empty level.
// Order of precedence (first wins):
// 1) the --log-level flag
// 2) PYPROBE_LOGLEVEL
// 3) the log_level config key
// 4) warn
func Level(flag, env, config string) string {
	for _, v := range []string{flag, env, config} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return "warn"
}

// New returns a console logger writing to stderr at level.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()), nil
}
