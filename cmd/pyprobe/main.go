package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pyprobe/internal/app"
	"pyprobe/internal/config"
	"pyprobe/internal/ledger"
	"pyprobe/internal/logging"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/session"
	"pyprobe/internal/value"
	"pyprobe/internal/versions"
)

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "pyprobe [command]",
	Short: "pyprobe: inspect a running CPython process",
	Long: `pyprobe attaches to a live CPython process, loads a companion library into it
and walks its Python stack or evaluates code inside it. The target is left
exactly as it was found on detach.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var fromConfig string
		if cfg, err := config.Load(configPath); err == nil {
			fromConfig = cfg.LogLevel
		}
		log, err := logging.New(logging.Level(logLevel, os.Getenv(config.EnvLogLevel), fromConfig))
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(log)
		return nil
	},
}

// controllerAPI is the part of app.App the commands drive.
type controllerAPI interface {
	Open(ctx context.Context, pid int) (*session.Session, error)
	Backtrace(ctx context.Context, params app.BacktraceParams) (app.BacktraceResult, error)
	Eval(ctx context.Context, pid int, expr string) (value.Value, error)
	Inspect(ctx context.Context, pid int) (session.Report, error)
	Versions() ([]versions.Descriptor, error)
	Recoveries() ([]ledger.Entry, error)
	Recover(ctx context.Context, pid int) (int, error)
	LedgerPath() (string, error)
	Close() error
}

var controllerFactory = func() controllerAPI {
	return app.New(app.Options{ConfigPath: configPath, Log: zap.L()})
}

func controller() controllerAPI {
	return controllerFactory()
}

// progress shows a spinner on stderr while fn attaches or injects.
func progress(cmd *cobra.Command, suffix string, fn func() error) error {
	spin := spinner.New(spinner.CharSets[21], 120*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	spin.Suffix = " " + suffix
	spin.Start()
	defer spin.Stop()
	return fn()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if probeerr.TargetStateUnverified(err) {
			fmt.Fprintln(os.Stderr, "the target may be left modified; see `pyprobe recover list`")
		}
		_ = zap.L().Sync()
		os.Exit(1)
	}
}
