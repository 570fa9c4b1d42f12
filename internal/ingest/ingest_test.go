package ingest

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nxmango/bouncer/internal/proto"
	"github.com/nxmango/bouncer/internal/spool"
	"github.com/nxmango/bouncer/internal/store"
)

func newTestServer(t *testing.T) (*Server, *spool.Spool, *store.DB, net.Listener) {
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

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := New(ln.Addr().String(), sp, db)
	return s, sp, db, ln
}

// startServer runs s.Run in the background. Run binds its own listener, so
// callers first close the listener newTestServer reserved and let Run
// rebind the same free port.
func startServer(t *testing.T, s *Server) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		close(started)
		if err := s.Run(ctx); err != nil {
			t.Errorf("server run: %v", err)
		}
	}()
	<-started
	time.Sleep(50 * time.Millisecond)
	return cancel
}

func TestServerAcceptsHeartbeatAndAcks(t *testing.T) {
	s, _, _, ln := newTestServer(t)
	addr := ln.Addr().String()
	ln.Close()

	cancel := startServer(t, s)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	kind := proto.KindHeartbeat
	header, err := proto.EncodeHeader(proto.Header{From: "observer", To: "server", Kind: &kind})
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	if err := proto.WriteFrame(conn, header, nil); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := proto.ReadAck(conn); err != nil {
		t.Fatalf("read ack: %v", err)
	}
}

func TestServerSpoolsRawMailAndAcks(t *testing.T) {
	s, sp, _, ln := newTestServer(t)
	addr := ln.Addr().String()
	ln.Close()

	cancel := startServer(t, s)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	header, err := proto.EncodeHeader(proto.Header{From: "delivery-hook", To: "server"})
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	body := []byte("From: a@b\r\nTo: c@d\r\n\r\nsome bounce text")
	if err := proto.WriteFrame(conn, header, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := proto.ReadAck(conn); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(sp.Incoming)
		if err == nil && len(entries) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected exactly one spooled file in incoming/")
}

func TestServerAppliesObserverEventAndAcks(t *testing.T) {
	s, _, db, ln := newTestServer(t)
	addr := ln.Addr().String()
	ln.Close()

	if _, err := db.Exec(
		"INSERT INTO mail_messages (hash, status, created_at, updated_at) VALUES (?, 0, datetime('now'), datetime('now'))",
		"obshash1",
	); err != nil {
		t.Fatalf("seed mail_messages: %v", err)
	}

	cancel := startServer(t, s)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	kind := proto.KindObserverEvent
	header, err := proto.EncodeHeader(proto.Header{From: "observer", To: "server", Kind: &kind})
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	body := []byte(`{"source":"postfix","hash":"obshash1","queue_id":"Q1","recipient":"u@example.com","status_code":"2.0.0","action":"delivered","diagnostic":"250 2.0.0 Ok","smtp_status":"","observed_at_unix":0}`)
	if err := proto.WriteFrame(conn, header, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := proto.ReadAck(conn); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var status int
	for time.Now().Before(deadline) {
		err := db.QueryRow("SELECT status FROM mail_messages WHERE hash = ?", "obshash1").Scan(&status)
		if err == nil && status == store.StatusSuccess {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("mail_messages.status never reached %d, last read %d", store.StatusSuccess, status)
}
