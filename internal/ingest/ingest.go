// Package ingest implements the TCP accept loop that receives framed
// payloads from every client role: the local delivery hook (raw mail), the
// observer/journal publishers (register, heartbeat, and observer_event
// frames), and the remote client CLI (raw mail). One goroutine is spawned per
// accepted connection; each connection is read frame-by-frame until the
// client disconnects or the context is canceled.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/nxmango/bouncer/internal/bounce"
	"github.com/nxmango/bouncer/internal/metrics"
	"github.com/nxmango/bouncer/internal/proto"
	"github.com/nxmango/bouncer/internal/spool"
	"github.com/nxmango/bouncer/internal/store"
)

// Server is the TCP ingest listener.
type Server struct {
	Listen       string
	Spool        *spool.Spool
	DB           *store.DB
	MaxHeaderLen uint64
	MaxBodyLen   uint64
}

// New returns a Server with the protocol's default frame size limits.
func New(listen string, sp *spool.Spool, db *store.DB) *Server {
	return &Server{
		Listen:       listen,
		Spool:        sp,
		DB:           db,
		MaxHeaderLen: proto.DefaultMaxHeaderLen,
		MaxBodyLen:   proto.DefaultMaxBodyLen,
	}
}

// Run binds the listener and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Listen)
	if err != nil {
		return fmt.Errorf("ingest: bind %s: %w", s.Listen, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("tcp ingest server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("tcp server stopping")
				return nil
			}
			return fmt.Errorf("ingest: accept: %w", err)
		}

		go func() {
			peer := conn.RemoteAddr().String()
			if err := s.handleClient(ctx, conn); err != nil && !errors.Is(err, io.EOF) {
				slog.Warn("client ingest failed", "peer", peer, "error", err)
			}
		}()
	}
}

// handleClient reads frames from conn until the client disconnects.
// Supported header kinds: heartbeat/register (ACK only, control plane),
// observer_event (decode JSON body, apply directly to the database), and
// anything else (treat the body as raw mail and enqueue it to the spool).
func (s *Server) handleClient(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	for {
		headerBytes, body, err := proto.ReadFrame(conn, s.MaxHeaderLen, s.MaxBodyLen)
		if err != nil {
			if errors.Is(err, io.EOF) || isClosedConnErr(err) {
				slog.Warn("client disconnected", "error", err)
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		header, err := proto.DecodeHeader(headerBytes)
		if err != nil {
			return fmt.Errorf("decode header: %w", err)
		}

		source := "-"
		if header.Source != nil {
			source = *header.Source
		}
		kind := ""
		if header.Kind != nil {
			kind = *header.Kind
		}

		switch kind {
		case proto.KindHeartbeat:
			metrics.FramesReceived.WithLabelValues(proto.KindHeartbeat).Inc()
			slog.Debug("client heartbeat", "source", source)
			if err := proto.WriteAck(conn); err != nil {
				metrics.FramesAckFailed.Inc()
				return fmt.Errorf("write ack: %w", err)
			}
			continue

		case proto.KindRegister:
			metrics.FramesReceived.WithLabelValues(proto.KindRegister).Inc()
			if err := proto.WriteAck(conn); err != nil {
				metrics.FramesAckFailed.Inc()
				return fmt.Errorf("write ack: %w", err)
			}
			slog.Info("client registered", "source", source, "from", header.From)
			continue

		case proto.KindObserverEvent:
			metrics.FramesReceived.WithLabelValues(proto.KindObserverEvent).Inc()
			var event bounce.ObserverDeliveryEvent
			if err := json.Unmarshal(body, &event); err != nil {
				return fmt.Errorf("decode observer event body: %w", err)
			}
			if err := s.DB.ApplyObserverEvent(ctx, event); err != nil {
				return fmt.Errorf("apply observer event: %w", err)
			}
			if err := proto.WriteAck(conn); err != nil {
				metrics.FramesAckFailed.Inc()
				return fmt.Errorf("write ack: %w", err)
			}
			slog.Info("observer event accepted",
				"source", source, "hash", event.Hash, "queue_id", event.QueueID,
				"status_code", event.StatusCode, "action", event.Action)
			continue

		default:
			displayKind := kind
			if displayKind == "" {
				displayKind = "mail"
			}
			metrics.FramesReceived.WithLabelValues(displayKind).Inc()

			writtenPath, err := s.Spool.EnqueueMail(body)
			if err != nil {
				return fmt.Errorf("enqueue payload to spool: %w", err)
			}
			metrics.SpoolEnqueued.Inc()
			if err := proto.WriteAck(conn); err != nil {
				metrics.FramesAckFailed.Inc()
				return fmt.Errorf("write ack: %w", err)
			}

			slog.Info("bounce accepted",
				"bytes", len(body), "path", writtenPath, "kind", displayKind, "source", source)
		}
	}
}

func isClosedConnErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && errors.Is(err, net.ErrClosed)
}
