package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/nxmango/bouncer/internal/corrstore"
	"github.com/nxmango/bouncer/internal/metrics"
)

const pruneInterval = 5 * time.Minute

// Pipeline joins postfix/cleanup and postfix/smtp log lines by queue id and
// forwards completed DeliveryEvents to a Publisher. Both the UDP observer
// and the journald observer feed lines into the same Pipeline.
type Pipeline struct {
	corr      corrstore.Store
	mappingTTL time.Duration
	publisher *Publisher
	log       *slog.Logger
}

// NewPipeline builds a Pipeline over the given correlation store.
func NewPipeline(corr corrstore.Store, mappingTTL time.Duration, publisher *Publisher, log *slog.Logger) *Pipeline {
	return &Pipeline{corr: corr, mappingTTL: mappingTTL, publisher: publisher, log: log}
}

// Ingest feeds one raw log line through the parser and, when it completes a
// cleanup/smtp pair, publishes the joined event.
func (p *Pipeline) Ingest(ctx context.Context, line string) {
	parsed, ok := ParseLine(line)
	if !ok {
		return
	}

	switch parsed.Kind {
	case KindCleanup:
		if err := p.corr.Put(ctx, parsed.QueueID, parsed.Hash, p.mappingTTL); err != nil {
			p.log.Warn("correlation store put failed", "error", err, "queue_id", parsed.QueueID)
		}

	case KindSMTP:
		hash, found, err := p.corr.Get(ctx, parsed.SMTP.QueueID)
		if err != nil {
			p.log.Warn("correlation store get failed", "error", err, "queue_id", parsed.SMTP.QueueID)
			return
		}
		if !found {
			p.log.Debug("smtp line with no known cleanup hash", "queue_id", parsed.SMTP.QueueID)
			return
		}

		event := DeliveryEvent{
			Hash:       hash,
			QueueID:    parsed.SMTP.QueueID,
			Recipient:  parsed.SMTP.Recipient,
			StatusCode: parsed.SMTP.StatusCode,
			Action:     parsed.SMTP.Action,
			Diagnostic: parsed.SMTP.Diagnostic,
			SMTPStatus: parsed.SMTP.SMTPStatus,
		}
		if p.publisher.Publish(event) {
			metrics.ObserverEvents.WithLabelValues(p.publisher.cfg.Source).Inc()
		} else {
			metrics.ObserverEventsDropped.Inc()
			p.log.Warn("publish queue full, dropping delivery event", "queue_id", event.QueueID)
		}
	}
}

// RunPruner periodically prunes expired queue-id mappings from the
// correlation store until ctx is canceled. Redis-backed stores no-op this
// (TTL is enforced server-side); the in-memory store relies on it.
func (p *Pipeline) RunPruner(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.corr.Prune(ctx)
			if err != nil {
				p.log.Warn("correlation store prune failed", "error", err)
				continue
			}
			if n > 0 {
				p.log.Debug("pruned expired correlation entries", "count", n)
			}
		}
	}
}
