//go:build !linux

// Package journal reads postfix log lines directly out of the systemd
// journal. The systemd journal API is Linux-only; on other platforms this
// package's Watcher always fails to start.
package journal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nxmango/bouncer/internal/config"
	"github.com/nxmango/bouncer/internal/observer"
)

// Watcher is a no-op stand-in on non-Linux platforms.
type Watcher struct {
	Log *slog.Logger
}

// NewWatcher returns a Watcher that always fails Run; bouncer-journal isn't
// supported outside Linux.
func NewWatcher(cfg *config.JournalConfig, pipeline *observer.Pipeline, log *slog.Logger) *Watcher {
	return &Watcher{Log: log}
}

// Run always returns an error: the systemd journal is Linux-only.
func (w *Watcher) Run(ctx context.Context) error {
	return fmt.Errorf("journal: the systemd journal reader is only supported on linux")
}
