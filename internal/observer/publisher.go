package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nxmango/bouncer/internal/config"
	"github.com/nxmango/bouncer/internal/proto"
	"github.com/nxmango/bouncer/internal/resilience"
)

const publisherDialAttempts = 3

// DeliveryEvent is the queued unit handed to the Publisher once a cleanup
// line's hash and an smtp line's outcome have been joined.
type DeliveryEvent struct {
	Hash       string
	QueueID    string
	Recipient  string
	StatusCode string
	Action     string
	Diagnostic string
	SMTPStatus string
}

// Publisher owns the single long-lived TCP connection back to
// bouncer-server, reconnecting on failure and sending periodic heartbeats
// between events.
type Publisher struct {
	cfg     config.PublisherConfig
	events  chan DeliveryEvent
	log     *slog.Logger
	breaker *resilience.CircuitBreaker

	conn net.Conn
}

// NewPublisher builds a Publisher. Call Run in its own goroutine.
func NewPublisher(cfg config.PublisherConfig, log *slog.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		events: make(chan DeliveryEvent, cfg.QueueCapacity),
		log:    log,
		breaker: resilience.NewCircuitBreaker(
			resilience.DefaultConfig("publisher:" + cfg.Server)),
	}
}

// Publish enqueues an event for delivery, dropping it if the queue is full
// rather than blocking the caller (the correlation pipeline must keep
// draining incoming log lines regardless of publisher backpressure).
func (p *Publisher) Publish(event DeliveryEvent) bool {
	select {
	case p.events <- event:
		return true
	default:
		return false
	}
}

// Run drives the connect/send/heartbeat loop until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(time.Duration(p.cfg.HeartbeatSecs) * time.Second)
	defer heartbeat.Stop()

	for {
		if err := p.ensureConnected(ctx); err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}

		select {
		case <-ctx.Done():
			p.closeConn()
			return nil

		case event := <-p.events:
			err := p.sendEvent(event)
			for attempt := 1; err != nil && attempt <= publisherDialAttempts; attempt++ {
				p.log.Warn("publisher send failed, will reconnect and retry", "error", err, "attempt", attempt)
				p.closeConn()
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
				}
				if err = p.ensureConnected(ctx); err == nil {
					err = p.sendEvent(event)
				}
			}
			if err != nil {
				p.log.Warn("publisher dropped event after retries", "error", err, "queue_id", event.QueueID)
				p.closeConn()
			}

		case <-heartbeat.C:
			if err := p.sendHeartbeat(); err != nil {
				p.log.Warn("publisher heartbeat failed, will reconnect", "error", err)
				p.closeConn()
			}
		}
	}
}

func (p *Publisher) ensureConnected(ctx context.Context) error {
	if p.conn != nil {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= publisherDialAttempts; attempt++ {
		err := p.breaker.Execute(ctx, func(ctx context.Context) error {
			d := net.Dialer{Timeout: time.Duration(p.cfg.ConnectTimeoutSecs) * time.Second}
			conn, dialErr := d.DialContext(ctx, "tcp", p.cfg.Server)
			if dialErr != nil {
				return dialErr
			}
			p.conn = conn
			return nil
		})
		if err == nil {
			if regErr := p.sendRegister(); regErr != nil {
				p.closeConn()
				lastErr = regErr
			} else {
				return nil
			}
		} else {
			lastErr = err
		}

		if attempt < publisherDialAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("observer publisher: connect to %s: %w", p.cfg.Server, lastErr)
}

func (p *Publisher) sendRegister() error {
	kind := proto.KindRegister
	source := p.cfg.Source
	header := proto.Header{From: p.cfg.Source, To: "bouncer-server", Kind: &kind, Source: &source}
	return p.writeFrameAwaitAck(header, nil)
}

func (p *Publisher) sendHeartbeat() error {
	kind := proto.KindHeartbeat
	source := p.cfg.Source
	header := proto.Header{From: p.cfg.Source, To: "bouncer-server", Kind: &kind, Source: &source}
	return p.writeFrameAwaitAck(header, nil)
}

func (p *Publisher) sendEvent(event DeliveryEvent) error {
	payload := ObserverDeliveryEventPayload{
		Source:         p.cfg.Source,
		Hash:           event.Hash,
		QueueID:        event.QueueID,
		Recipient:      event.Recipient,
		StatusCode:     event.StatusCode,
		Action:         event.Action,
		Diagnostic:     event.Diagnostic,
		SMTPStatus:     event.SMTPStatus,
		ObservedAtUnix: uint64(time.Now().Unix()),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal observer event: %w", err)
	}

	kind := proto.KindObserverEvent
	source := p.cfg.Source
	header := proto.Header{From: p.cfg.Source, To: "bouncer-server", Kind: &kind, Source: &source}
	return p.writeFrameAwaitAck(header, body)
}

func (p *Publisher) writeFrameAwaitAck(header proto.Header, body []byte) error {
	if p.conn == nil {
		return fmt.Errorf("observer publisher: not connected")
	}

	headerBytes, err := proto.EncodeHeader(header)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(p.cfg.IOTimeoutSecs) * time.Second)
	_ = p.conn.SetDeadline(deadline)

	if err := proto.WriteFrame(p.conn, headerBytes, body); err != nil {
		return err
	}
	return proto.ReadAck(p.conn)
}

func (p *Publisher) closeConn() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// ObserverDeliveryEventPayload mirrors internal/bounce.ObserverDeliveryEvent's
// JSON shape exactly; it's redefined here (rather than imported) so this
// package's wire encoding doesn't take on a dependency on the mail-parsing
// package for a handful of field names.
type ObserverDeliveryEventPayload struct {
	Source         string `json:"source"`
	Hash           string `json:"hash"`
	QueueID        string `json:"queue_id"`
	Recipient      string `json:"recipient"`
	StatusCode     string `json:"status_code"`
	Action         string `json:"action"`
	Diagnostic     string `json:"diagnostic"`
	SMTPStatus     string `json:"smtp_status"`
	ObservedAtUnix uint64 `json:"observed_at_unix"`
}
