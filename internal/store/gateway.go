package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nxmango/bouncer/internal/bounce"
	"github.com/nxmango/bouncer/internal/metrics"
)

// Mail message status codes, mirrored from this deployment's existing
// mail-sending schema so the bounce pipeline can write into the same
// mail_messages table a separate sending system owns.
const (
	StatusSuccess   = 7
	StatusPending   = 3
	StatusSuspended = -2
	StatusFailed    = -7
)

// UpsertBounceOutcome reports whether a bounce resolved to a locally-known
// message.
type UpsertBounceOutcome int

const (
	UpdatedLocalMessage UpsertBounceOutcome = iota
	MissingLocalMessage
)

func (o UpsertBounceOutcome) String() string {
	switch o {
	case UpdatedLocalMessage:
		return "updated_local_message"
	case MissingLocalMessage:
		return "missing_local_message"
	default:
		return "unknown"
	}
}

// mapMailMessageStatus decides the mail_messages.status value for a parsed
// bounce: the reported action wins when it's unambiguous (delivered/sent,
// delayed/deferred), otherwise the DSN status code decides, with the
// 5.7.0–5.7.3 policy rejections treated as suspended rather than a hard
// failure (other 5.7.x codes map to failed).
func mapMailMessageStatus(parsed bounce.ParsedBounce) int {
	switch strings.ToLower(parsed.Action) {
	case "delivered", "sent":
		return StatusSuccess
	case "delayed", "deferred":
		return StatusPending
	}

	switch parsed.StatusCode {
	case "5.7.0", "5.7.1", "5.7.2", "5.7.3":
		return StatusSuspended
	}
	switch {
	case strings.HasPrefix(parsed.StatusCode, "2."):
		return StatusSuccess
	case strings.HasPrefix(parsed.StatusCode, "4."):
		return StatusPending
	default:
		return StatusFailed
	}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ApplyObserverEvent folds a correlated Postfix log observation into
// mail_messages/mail_message_bounces. Unlike UpsertBounce, it never
// materializes an orphan mail_bounces row: an observer event that doesn't
// resolve to a local message is logged and dropped, since the log
// correlation is inherently best-effort and noisy queue IDs are common.
func (db *DB) ApplyObserverEvent(ctx context.Context, event bounce.ObserverDeliveryEvent) (err error) {
	start := time.Now()
	defer func() {
		metrics.DBUpsertDuration.WithLabelValues("observer_event").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.DBErrors.Inc()
		}
	}()

	parsed := event.AsParsedBounce()
	messageStatus := mapMailMessageStatus(parsed)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var messageID int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM mail_messages WHERE hash = ? LIMIT 1", parsed.Hash).Scan(&messageID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if cerr := tx.Commit(); cerr != nil {
			return fmt.Errorf("store: commit tx: %w", cerr)
		}
		slog.Warn("observer event not linked to local message",
			"hash", event.Hash, "queue_id", event.QueueID, "source", event.Source,
			"smtp_status", event.SMTPStatus, "observed_at_unix", event.ObservedAtUnix)
		return nil
	case err != nil:
		return fmt.Errorf("store: query mail_messages: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE mail_messages SET status = ?, updated_at = ? WHERE id = ?",
		messageStatus, now(), messageID,
	); err != nil {
		return fmt.Errorf("store: update mail_messages from observer event: %w", err)
	}

	if messageStatus != StatusSuccess {
		if err := db.upsertMessageBounce(ctx, tx, messageID, parsed); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// UpsertBounce folds a mail-parsed bounce report into the schema. If the
// hash resolves to a local message, its status and mail_message_bounces row
// are updated. Otherwise, unless the derived status is a plain success
// (which would make no sense for an unrecognized hash), the bounce is kept
// in mail_bounces so it can be reconciled later.
func (db *DB) UpsertBounce(ctx context.Context, parsed bounce.ParsedBounce) (outcome UpsertBounceOutcome, err error) {
	start := time.Now()
	defer func() {
		metrics.DBUpsertDuration.WithLabelValues("bounce_report").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.DBErrors.Inc()
		}
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return MissingLocalMessage, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var messageID int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM mail_messages WHERE hash = ? LIMIT 1", parsed.Hash).Scan(&messageID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return db.upsertOrphanBounce(ctx, tx, parsed)
	case err != nil:
		return MissingLocalMessage, fmt.Errorf("store: query mail_messages: %w", err)
	}

	messageStatus := mapMailMessageStatus(parsed)
	result, err := tx.ExecContext(ctx,
		"UPDATE mail_messages SET status = ?, updated_at = ? WHERE hash = ?",
		messageStatus, now(), parsed.Hash,
	)
	if err != nil {
		return MissingLocalMessage, fmt.Errorf("store: update mail_messages: %w", err)
	}
	rows, _ := result.RowsAffected()
	slog.Debug("db upsert mail_messages", "op", "update", "hash", parsed.Hash, "rows_affected", rows)

	if messageStatus != StatusSuccess {
		if err := db.upsertMessageBounce(ctx, tx, messageID, parsed); err != nil {
			return MissingLocalMessage, err
		}
	}

	if err := tx.Commit(); err != nil {
		return MissingLocalMessage, fmt.Errorf("store: commit tx: %w", err)
	}
	return UpdatedLocalMessage, nil
}

func (db *DB) upsertMessageBounce(ctx context.Context, tx *sql.Tx, messageID int64, parsed bounce.ParsedBounce) error {
	var exists int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM mail_message_bounces WHERE message_id = ? LIMIT 1", messageID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		result, err := tx.ExecContext(ctx,
			"INSERT INTO mail_message_bounces (message_id, action, status_code, description, created_at) VALUES (?, ?, ?, ?, ?)",
			messageID, nullableString(parsed.Action), parsed.StatusCode, nullableString(parsed.Description), now(),
		)
		if err != nil {
			return fmt.Errorf("store: insert mail_message_bounces: %w", err)
		}
		rows, _ := result.RowsAffected()
		slog.Debug("db upsert mail_message_bounces", "op", "insert", "message_id", messageID, "rows_affected", rows)
		return nil
	case err != nil:
		return fmt.Errorf("store: query mail_message_bounces: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE mail_message_bounces SET action = ?, status_code = ?, description = ?, created_at = ? WHERE message_id = ?",
		nullableString(parsed.Action), parsed.StatusCode, nullableString(parsed.Description), now(), messageID,
	)
	if err != nil {
		return fmt.Errorf("store: update mail_message_bounces: %w", err)
	}
	rows, _ := result.RowsAffected()
	slog.Debug("db upsert mail_message_bounces", "op", "update", "message_id", messageID, "rows_affected", rows)
	return nil
}

func (db *DB) upsertOrphanBounce(ctx context.Context, tx *sql.Tx, parsed bounce.ParsedBounce) (UpsertBounceOutcome, error) {
	slog.Warn("bounce hash not found in local mail_messages",
		"hash", parsed.Hash, "status_code", parsed.StatusCode, "action", parsed.Action)

	messageStatus := mapMailMessageStatus(parsed)
	if messageStatus == StatusSuccess {
		if err := tx.Commit(); err != nil {
			return MissingLocalMessage, fmt.Errorf("store: commit tx: %w", err)
		}
		slog.Debug("db upsert mail_bounces", "op", "skip", "hash", parsed.Hash, "reason", "missing_local_message_and_success_status")
		return MissingLocalMessage, nil
	}

	var exists int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM mail_bounces WHERE hash = ? LIMIT 1", parsed.Hash).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		result, err := tx.ExecContext(ctx,
			"INSERT INTO mail_bounces (hash, recipient, action, status_code, description, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			parsed.Hash, nullableString(parsed.Recipient), nullableString(parsed.Action), parsed.StatusCode, nullableString(parsed.Description), now(),
		)
		if err != nil {
			return MissingLocalMessage, fmt.Errorf("store: insert mail_bounces: %w", err)
		}
		rows, _ := result.RowsAffected()
		slog.Debug("db upsert mail_bounces", "op", "insert", "hash", parsed.Hash, "rows_affected", rows)
	case err != nil:
		return MissingLocalMessage, fmt.Errorf("store: query mail_bounces: %w", err)
	default:
		result, err := tx.ExecContext(ctx,
			"UPDATE mail_bounces SET recipient = ?, action = ?, status_code = ?, description = ?, created_at = ? WHERE hash = ?",
			nullableString(parsed.Recipient), nullableString(parsed.Action), parsed.StatusCode, nullableString(parsed.Description), now(), parsed.Hash,
		)
		if err != nil {
			return MissingLocalMessage, fmt.Errorf("store: update mail_bounces: %w", err)
		}
		rows, _ := result.RowsAffected()
		slog.Debug("db upsert mail_bounces", "op", "update", "hash", parsed.Hash, "rows_affected", rows)
	}

	if err := tx.Commit(); err != nil {
		return MissingLocalMessage, fmt.Errorf("store: commit tx: %w", err)
	}
	return MissingLocalMessage, nil
}
