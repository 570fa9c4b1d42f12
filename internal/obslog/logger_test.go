package obslog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewHonorsLevelAndFormat(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default config", cfg: DefaultConfig()},
		{name: "debug level", cfg: Config{Level: "debug", Format: "json", Output: "stdout"}},
		{name: "warn level alias", cfg: Config{Level: "warning", Format: "json", Output: "stdout"}},
		{name: "text format", cfg: Config{Level: "info", Format: "text", Output: "stdout"}},
		{name: "invalid level defaults to info", cfg: Config{Level: "bogus", Format: "json", Output: "stdout"}},
		{name: "invalid file path", cfg: Config{Level: "info", Format: "json", Output: "/nonexistent/dir/log.txt"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger.Logger == nil {
				t.Fatal("New() returned logger with nil internal logger")
			}
		})
	}
}

func TestComponentLoggers(t *testing.T) {
	logger := Default()
	components := []func() *Logger{logger.Parser, logger.Dispatch, logger.Ingest, logger.IMAP, logger.Observer, logger.Journal}
	for _, f := range components {
		if f().Logger == nil {
			t.Fatal("component logger has nil internal logger")
		}
	}
}

func TestContextHelpersRoundtrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithHash(ctx, "abchash")
	ctx = WithQueueID(ctx, "ABC123")
	ctx = WithSource(ctx, "postfix")
	ctx = WithRemoteAddr(ctx, "127.0.0.1:5000")

	attrs := extractContextAttrs(ctx)
	if len(attrs) != 5 {
		t.Fatalf("extractContextAttrs returned %d attrs, want 5", len(attrs))
	}
}

func TestInfoContextMergesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}

	ctx := WithHash(context.Background(), "hash1")
	ctx = WithQueueID(ctx, "Q1")
	logger.InfoContext(ctx, "bounce accepted", "bytes", 128)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["hash"] != "hash1" || entry["queue_id"] != "Q1" {
		t.Fatalf("expected hash/queue_id fields merged in, got: %v", entry)
	}
	if entry["bytes"] != float64(128) {
		t.Fatalf("expected explicit field preserved, got: %v", entry)
	}
}

func TestErrorContextAttachesError(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}

	logger.ErrorContext(context.Background(), "parse failed", errors.New("missing hash"))

	output := buf.String()
	if !strings.Contains(output, "missing hash") {
		t.Fatalf("expected error text in output, got: %s", output)
	}
}

func TestWithErrorNilReturnsSameLogger(t *testing.T) {
	logger := Default()
	if logger.WithError(nil) != logger {
		t.Fatal("WithError(nil) should return the same logger")
	}
}

func TestWithFieldsChaining(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}

	logger.Dispatch().WithFields("path", "incoming/a.eml").Info("claimed message")

	output := buf.String()
	if !strings.Contains(output, "dispatch") || !strings.Contains(output, "incoming/a.eml") {
		t.Fatalf("expected component and field in output, got: %s", output)
	}
}
