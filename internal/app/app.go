package app

import (
	"fmt"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"pyprobe/internal/config"
	"pyprobe/internal/ledger"
	"pyprobe/internal/loader"
	"pyprobe/internal/procinfo"
	"pyprobe/internal/session"
	"pyprobe/internal/versions"
)

// Options configures the top-level controller.
type Options struct {
	// ConfigPath points to the optional config file.
	ConfigPath string
	Log        *zap.Logger
}

// App exposes high-level operations that the CLI/TUI can reuse.
type App struct {
	cfgPath string
	log     *zap.Logger

	once    sync.Once
	cfg     config.Config
	table   *versions.Table
	ledger  *ledger.Ledger
	manager *session.Manager
	initErr error
}

// New constructs the shared controller facade. Nothing is loaded until the
// first operation needs it.
func New(opts Options) *App {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &App{
		cfgPath: opts.ConfigPath,
		log:     log,
	}
}

// ConfigPath returns the configured config file path (if any).
func (a *App) ConfigPath() string {
	return a.cfgPath
}

var (
	loadConfig = config.Load
	systemDeps = session.SystemDeps
	stateFs    = afero.NewOsFs
)

func resetManagerDeps() {
	loadConfig = config.Load
	systemDeps = session.SystemDeps
	stateFs = afero.NewOsFs
}

func (a *App) init() error {
	a.once.Do(func() {
		a.initErr = a.build()
	})
	return a.initErr
}

func (a *App) build() error {
	cfg, err := loadConfig(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.table = versions.Default()
	for _, path := range cfg.DescriptorFiles {
		ds, err := versions.LoadFile(afero.NewOsFs(), path)
		if err != nil {
			return err
		}
		for _, d := range ds {
			if err := a.table.Append(d); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
	}

	a.ledger, err = ledger.Open(stateFs(), cfg.StateDir)
	if err != nil {
		return err
	}
	fs, err := procinfo.New("")
	if err != nil {
		return err
	}
	a.manager = session.NewManager(session.Options{
		AttachTimeout:  cfg.AttachTimeout,
		InjectTimeout:  cfg.InjectTimeout,
		ChannelTimeout: cfg.ChannelTimeout,
		MaxDepth:       cfg.MaxDepth,
		Limits:         cfg.Preview,
		Table:          a.table,
		Resolver:       loader.New(cfg.LibraryDirs...),
		Ledger:         a.ledger,
		Deps:           systemDeps(fs, cfg.SocketDir, a.log),
		Log:            a.log,
	})
	a.log.Debug("controller ready",
		zap.Strings("library_dirs", cfg.LibraryDirs),
		zap.String("state_dir", cfg.StateDir),
		zap.Int("descriptors", len(a.table.Descriptors())))
	return nil
}

// Close detaches every session the controller still holds.
func (a *App) Close() error {
	if a.manager == nil {
		return nil
	}
	return a.manager.DetachAll()
}
