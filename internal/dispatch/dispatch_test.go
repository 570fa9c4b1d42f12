package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nxmango/bouncer/internal/spool"
	"github.com/nxmango/bouncer/internal/store"
)

const sampleBounce = "Content-Type: multipart/report; report-type=delivery-status; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822; user@example.com\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"Diagnostic-Code: smtp; 550 5.1.1 user unknown\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/rfc822-headers\r\n" +
	"\r\n" +
	"Message-ID: <testhash123@example.com>\r\n" +
	"\r\n" +
	"--b1--\r\n"

func newTestDispatcher(t *testing.T) (*Dispatcher, *spool.Spool, *store.DB) {
	t.Helper()
	sp := spool.New(t.TempDir())
	if err := sp.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	d := New(sp, db, 2, 30*time.Millisecond)
	return d, sp, db
}

func TestDispatcherProcessesEnqueuedMessageEndToEnd(t *testing.T) {
	d, sp, db := newTestDispatcher(t)

	if _, err := db.Exec(
		"INSERT INTO mail_messages (hash, status, created_at, updated_at) VALUES (?, 0, datetime('now'), datetime('now'))",
		"testhash123",
	); err != nil {
		t.Fatalf("seed mail_messages: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	// Give the watcher and ticker a moment to start before the file exists,
	// matching the real startup ordering.
	time.Sleep(100 * time.Millisecond)

	if _, err := sp.EnqueueMail([]byte(sampleBounce)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var status int
	for time.Now().Before(deadline) {
		err := db.QueryRow("SELECT status FROM mail_messages WHERE hash = ?", "testhash123").Scan(&status)
		if err == nil && status != 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("dispatcher run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}

	if status != store.StatusFailed {
		t.Fatalf("mail_messages.status = %d, want %d (message should have moved to done/)", status, store.StatusFailed)
	}

	doneEntries, err := os.ReadDir(sp.Done)
	if err != nil {
		t.Fatalf("read done dir: %v", err)
	}
	if len(doneEntries) != 1 {
		t.Fatalf("expected exactly one file in done/, got %d", len(doneEntries))
	}
}

func TestProcessSpooledMessageSkipsAlreadyClaimedFile(t *testing.T) {
	d, sp, _ := newTestDispatcher(t)

	path, err := sp.EnqueueMail([]byte(sampleBounce))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	name := filepath.Base(path)

	if _, err := sp.Claim(name); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	// The file is already in processing/, so a second attempt to process
	// the same incoming/ path should see it's gone and skip silently.
	if err := d.processSpooledMessage(context.Background(), path); err != nil {
		t.Fatalf("expected silent skip for already-claimed file, got %v", err)
	}
}

func TestProcessSpooledMessageMovesUnparsableMailToFailed(t *testing.T) {
	d, sp, _ := newTestDispatcher(t)

	path, err := sp.EnqueueMail([]byte("From: a@b\r\nTo: c@d\r\n\r\njust a normal email, not a bounce"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	err = d.processSpooledMessage(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "does not look like a delivery status report") {
		t.Fatalf("expected not-a-delivery-report error, got %v", err)
	}

	failedEntries, rerr := os.ReadDir(sp.Failed)
	if rerr != nil {
		t.Fatalf("read failed dir: %v", rerr)
	}
	if len(failedEntries) != 1 {
		t.Fatalf("expected exactly one file in failed/, got %d", len(failedEntries))
	}
}
