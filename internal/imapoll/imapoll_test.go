package imapoll

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nxmango/bouncer/internal/config"
	"github.com/nxmango/bouncer/internal/obslog"
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
	"Message-ID: <testhash456@example.com>\r\n" +
	"\r\n" +
	"--b1--\r\n"

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestPoller(t *testing.T, db *store.DB, markSeenIfNotExist bool) *Poller {
	t.Helper()
	return New(config.IMAPPollConfig{
		Host:               "imap.example.com",
		User:               "bounces",
		Pass:               "secret",
		Mailbox:            "INBOX",
		MarkSeenIfNotExist: markSeenIfNotExist,
	}, db, obslog.Default().Logger)
}

func TestFormatImapSinceDate(t *testing.T) {
	got := formatImapSinceDate(time.Date(2024, time.March, 7, 0, 0, 0, 0, time.UTC))
	want := "07-Mar-2024"
	if got != want {
		t.Fatalf("formatImapSinceDate = %q, want %q", got, want)
	}
}

func TestProcessOneUpdatesKnownMessage(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Exec(
		"INSERT INTO mail_messages (hash, status, created_at, updated_at) VALUES (?, 0, datetime('now'), datetime('now'))",
		"testhash456",
	); err != nil {
		t.Fatalf("seed mail_messages: %v", err)
	}

	p := newTestPoller(t, db, false)
	oc := p.processOne(context.Background(), fetchedItem{uid: 42, raw: []byte(sampleBounce)})

	if oc.kind != "processed" {
		t.Fatalf("outcome kind = %q, want processed", oc.kind)
	}
	if oc.uid != 42 {
		t.Fatalf("outcome uid = %d, want 42", oc.uid)
	}
}

func TestProcessOneMissingInDbRespectsMarkSeenIfNotExist(t *testing.T) {
	db := newTestDB(t)

	p := newTestPoller(t, db, true)
	oc := p.processOne(context.Background(), fetchedItem{uid: 7, raw: []byte(sampleBounce)})

	if oc.kind != "missing_in_db" {
		t.Fatalf("outcome kind = %q, want missing_in_db", oc.kind)
	}
	if !oc.markSeen {
		t.Fatalf("expected markSeen=true when mark_seen_if_not_exist is set")
	}

	p2 := newTestPoller(t, db, false)
	oc2 := p2.processOne(context.Background(), fetchedItem{uid: 7, raw: []byte(sampleBounce)})
	if oc2.markSeen {
		t.Fatalf("expected markSeen=false when mark_seen_if_not_exist is unset")
	}
}

func TestProcessOneNotDeliveryReportIsIgnored(t *testing.T) {
	db := newTestDB(t)
	p := newTestPoller(t, db, false)

	oc := p.processOne(context.Background(), fetchedItem{
		uid: 9,
		raw: []byte("From: a@b\r\nTo: c@d\r\n\r\njust a normal email, not a bounce"),
	})
	if oc.kind != "ignored_not_delivery" {
		t.Fatalf("outcome kind = %q, want ignored_not_delivery", oc.kind)
	}
}

func TestProcessOneMissingHashIsIgnored(t *testing.T) {
	db := newTestDB(t)
	p := newTestPoller(t, db, false)

	raw := "Content-Type: message/delivery-status\r\n\r\n" +
		"Final-Recipient: rfc822; user@example.com\r\n" +
		"Action: failed\r\n" +
		"Status: 5.1.1\r\n"
	oc := p.processOne(context.Background(), fetchedItem{uid: 11, raw: []byte(raw)})
	if oc.kind != "ignored_missing_hash" {
		t.Fatalf("outcome kind = %q, want ignored_missing_hash", oc.kind)
	}
}

func TestProcessAllCollectsEveryOutcome(t *testing.T) {
	db := newTestDB(t)
	p := newTestPoller(t, db, false)

	items := make([]fetchedItem, 0, 20)
	for i := 0; i < 20; i++ {
		items = append(items, fetchedItem{uid: imap.UID(100 + i), raw: []byte(sampleBounce)})
	}

	outcomes := p.processAll(context.Background(), items, 4)
	if len(outcomes) != len(items) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(items))
	}
}

func TestRunReturnsImmediatelyWhenDisabled(t *testing.T) {
	db := newTestDB(t)
	p := New(config.IMAPPollConfig{}, db, obslog.Default().Logger)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a disabled config")
	}
}

func TestOpenSessionFailsFastOnUnreachableHost(t *testing.T) {
	db := newTestDB(t)
	p := New(config.IMAPPollConfig{
		Host:               "127.0.0.1",
		Port:               1, // nothing listens here
		User:               "bounces",
		Pass:               "secret",
		Mailbox:            "INBOX",
		ConnectTimeoutSecs: 1,
	}, db, obslog.Default().Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := p.openSession(ctx)
	if err == nil {
		t.Fatal("expected connection failure against an unreachable host")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected a dial error, not a context deadline (connect timeout should fire first)")
	}
}
