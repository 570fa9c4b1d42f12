//go:build linux

// Package journal reads postfix log lines directly out of the systemd
// journal (rather than via a UDP syslog forward) and feeds them through the
// same correlation pipeline as bouncer-observer.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"

	"github.com/nxmango/bouncer/internal/config"
	"github.com/nxmango/bouncer/internal/observer"
)

// Watcher reads journal entries for cfg.Unit, filters by cfg.Identifiers,
// and feeds matching lines into a Pipeline. The journal is read on a
// dedicated goroutine since sdjournal's blocking Wait call doesn't respect
// context cancellation; a stop flag and a short poll interval bound how
// long that goroutine can outlive ctx.
type Watcher struct {
	Unit        string
	Identifiers []string
	SeekTail    bool
	Pipeline    *observer.Pipeline
	Log         *slog.Logger

	stop atomic.Bool
}

// NewWatcher builds a Watcher from a JournalConfig.
func NewWatcher(cfg *config.JournalConfig, pipeline *observer.Pipeline, log *slog.Logger) *Watcher {
	return &Watcher{
		Unit:        cfg.Unit,
		Identifiers: cfg.Identifiers,
		SeekTail:    cfg.SeekTail,
		Pipeline:    pipeline,
		Log:         log,
	}
}

// Run reads the journal until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.readLoop(ctx)
	}()

	<-ctx.Done()
	w.stop.Store(true)
	<-done
	w.Log.Info("journal watcher stopped")
	return nil
}

func (w *Watcher) readLoop(ctx context.Context) {
	for {
		if w.stop.Load() {
			return
		}

		j, err := w.openReader()
		if err != nil {
			w.Log.Warn("failed to open journald reader", "error", err)
			if !w.sleep(ctx, time.Second) {
				return
			}
			continue
		}

		w.consume(ctx, j)
		j.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Watcher) openReader() (*sdjournal.Journal, error) {
	j, err := sdjournal.NewJournal()
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := j.AddMatch(fmt.Sprintf("_SYSTEMD_UNIT=%s", w.Unit)); err != nil {
		j.Close()
		return nil, fmt.Errorf("journal: add match: %w", err)
	}
	if w.SeekTail {
		if err := j.SeekTail(); err != nil {
			w.Log.Warn("failed to seek journald tail", "error", err)
		} else {
			j.Next()
		}
	}
	return j, nil
}

func (w *Watcher) consume(ctx context.Context, j *sdjournal.Journal) {
	for {
		if w.stop.Load() || ctx.Err() != nil {
			return
		}

		n, err := j.Next()
		if err != nil {
			w.Log.Warn("journald next() failed", "error", err)
			return
		}
		if n == 0 {
			j.Wait(500 * time.Millisecond)
			continue
		}

		if line, ok := w.extractPostfixLine(j); ok {
			w.Pipeline.Ingest(ctx, line)
		}
	}
}

func (w *Watcher) extractPostfixLine(j *sdjournal.Journal) (string, bool) {
	message, ok := journalField(j, "MESSAGE")
	if !ok {
		return "", false
	}
	identifier, ok := journalField(j, "SYSLOG_IDENTIFIER")
	if !ok {
		identifier, ok = journalField(j, "_COMM")
		if !ok {
			return "", false
		}
	}

	matched := false
	for _, needle := range w.Identifiers {
		if strings.EqualFold(identifier, needle) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}

	return fmt.Sprintf("%s[0]: %s", identifier, message), true
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// journalField fetches one journal field value, stripping the "FIELD="
// prefix GetData returns.
func journalField(j *sdjournal.Journal, field string) (string, bool) {
	raw, err := j.GetData(field)
	if err != nil {
		return "", false
	}
	prefix := field + "="
	if !strings.HasPrefix(raw, prefix) {
		return "", false
	}
	return raw[len(prefix):], true
}
