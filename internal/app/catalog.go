package app

import (
	"context"

	"pyprobe/internal/ledger"
	"pyprobe/internal/versions"
)

// Versions lists the descriptor table, built-in entries first.
func (a *App) Versions() ([]versions.Descriptor, error) {
	if err := a.init(); err != nil {
		return nil, err
	}
	return a.table.Descriptors(), nil
}

// Recoveries lists the snapshots waiting for recovery.
func (a *App) Recoveries() ([]ledger.Entry, error) {
	if err := a.init(); err != nil {
		return nil, err
	}
	return a.ledger.List(), nil
}

// Recover retries the recorded snapshots of pid.
func (a *App) Recover(ctx context.Context, pid int) (int, error) {
	if err := validPID(pid); err != nil {
		return 0, err
	}
	if err := a.init(); err != nil {
		return 0, err
	}
	return a.manager.Recover(ctx, pid)
}

// LedgerPath is where unverified snapshots are recorded.
func (a *App) LedgerPath() (string, error) {
	if err := a.init(); err != nil {
		return "", err
	}
	return a.ledger.Path(), nil
}
