// Package dispatch drives spooled mail from incoming/ through the parser
// and into the database: an fsnotify watcher and a periodic fallback scan
// both feed the same path channel, which a fixed pool of workers drains
// concurrently. Go's channels are a natural multi-consumer queue, so unlike
// a single-receiver channel this needs no mutex wrapper around the
// receiving end for multiple workers to share it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nxmango/bouncer/internal/bounce"
	"github.com/nxmango/bouncer/internal/metrics"
	"github.com/nxmango/bouncer/internal/spool"
	"github.com/nxmango/bouncer/internal/store"
)

// Dispatcher owns the watcher, periodic scan, and worker pool that together
// drain a Spool's incoming directory.
type Dispatcher struct {
	Spool         *spool.Spool
	DB            *store.DB
	Concurrency   int
	ScanInterval  time.Duration
	PathQueueSize int
}

// New returns a Dispatcher with sane defaults for zero-valued fields.
func New(sp *spool.Spool, db *store.DB, concurrency int, scanInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		Spool:         sp,
		DB:            db,
		Concurrency:   concurrency,
		ScanInterval:  scanInterval,
		PathQueueSize: 256,
	}
}

// Run first moves any .eml files left in processing/ (by a crash between
// claim and commit) back to incoming/, then blocks until ctx is canceled.
// On cancellation the watcher and scanner stop producing, the path queue is
// closed, and each worker returns after finishing the message it is on;
// paths still queued are not processed and their files stay in incoming/.
func (d *Dispatcher) Run(ctx context.Context) error {
	workers := d.Concurrency
	if workers < 1 {
		workers = 1
	}
	scanInterval := d.ScanInterval
	if scanInterval < time.Second {
		scanInterval = time.Second
	}
	queueSize := d.PathQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	if entries, err := os.ReadDir(d.Spool.Processing); err == nil {
		for _, entry := range entries {
			if !spool.IsEmlFile(entry.Name()) {
				continue
			}
			from := filepath.Join(d.Spool.Processing, entry.Name())
			if err := os.Rename(from, filepath.Join(d.Spool.Incoming, entry.Name())); err != nil {
				slog.Warn("requeue from processing failed", "path", from, "error", err)
			}
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("dispatch: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.Spool.Incoming); err != nil {
		return fmt.Errorf("dispatch: watch incoming spool %s: %w", d.Spool.Incoming, err)
	}

	pathCh := make(chan string, queueSize)

	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		d.runNotifyWatcher(ctx, watcher, pathCh)
	}()
	go func() {
		defer producers.Done()
		d.runPeriodicScan(ctx, scanInterval, pathCh)
	}()

	var workerWg sync.WaitGroup
	workerWg.Add(workers)
	for id := 0; id < workers; id++ {
		go func(id int) {
			defer workerWg.Done()
			d.runWorker(ctx, id, pathCh)
		}(id)
	}
	slog.Info("worker dispatcher started", "workers", workers)

	<-ctx.Done()
	producers.Wait()
	close(pathCh)
	workerWg.Wait()
	slog.Info("worker dispatcher stopping")
	return nil
}

func (d *Dispatcher) runNotifyWatcher(ctx context.Context, watcher *fsnotify.Watcher, pathCh chan<- string) {
	slog.Info("notify watcher active", "path", d.Spool.Incoming)
	for {
		select {
		case <-ctx.Done():
			slog.Info("notify watcher stopping")
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !spool.IsEmlFile(filepath.Base(event.Name)) {
				continue
			}
			select {
			case pathCh <- event.Name:
			case <-ctx.Done():
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("watch event error", "error", err)
		}
	}
}

func (d *Dispatcher) runPeriodicScan(ctx context.Context, interval time.Duration, pathCh chan<- string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("incoming scan loop stopping")
			return
		case <-ticker.C:
			entries, err := os.ReadDir(d.Spool.Incoming)
			if err != nil {
				slog.Warn("incoming scan failed", "error", err)
				continue
			}
			for _, entry := range entries {
				if !spool.IsEmlFile(entry.Name()) {
					continue
				}
				select {
				case pathCh <- filepath.Join(d.Spool.Incoming, entry.Name()):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID int, pathCh <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-pathCh:
			if !ok {
				return
			}
			if err := d.processSpooledMessage(ctx, path); err != nil {
				slog.Warn("message processing failed", "worker", workerID, "path", path, "error", err)
			}
		}
	}
}

// processSpooledMessage moves a message through incoming -> processing ->
// done/failed and applies its parsed bounce status to the database. The
// commit-to-done-or-failed rename always happens, even when parsing or the
// database write fails, so a bad message doesn't sit in processing/
// and get retried on every restart.
func (d *Dispatcher) processSpooledMessage(ctx context.Context, incomingPath string) error {
	name := filepath.Base(incomingPath)
	if !spool.IsEmlFile(name) {
		return nil
	}

	processingPath, err := d.Spool.Claim(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("dispatch: claim %s: %w", name, err)
	}

	procErr := func() error {
		raw, err := os.ReadFile(processingPath)
		if err != nil {
			return fmt.Errorf("read %s: %w", processingPath, err)
		}
		if len(raw) == 0 {
			return errors.New("empty mail payload")
		}

		parsed, err := bounce.ParseBounceReport(raw)
		if err != nil {
			return err
		}

		if _, err := d.DB.UpsertBounce(ctx, parsed); err != nil {
			return fmt.Errorf("database upsert failed: %w", err)
		}

		slog.Info("processed message",
			"path", processingPath, "bytes", len(raw), "hash", parsed.Hash,
			"status_code", parsed.StatusCode, "action", orDash(parsed.Action), "recipient", orDash(parsed.Recipient))
		return nil
	}()

	if err := d.Spool.Commit(processingPath, procErr == nil); err != nil {
		return fmt.Errorf("dispatch: commit %s: %w", processingPath, err)
	}
	if procErr == nil {
		metrics.SpoolProcessed.WithLabelValues("done").Inc()
	} else {
		metrics.SpoolProcessed.WithLabelValues("failed").Inc()
	}
	return procErr
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
