// Command bouncer-delivery is the local MTA delivery hook: Postfix invokes
// it synchronously (as a pipe/local transport) for every bounce message,
// piping the message body on stdin. It writes the body straight into the
// spool's incoming/ directory using the same crash-safe temp-then-rename
// write as internal/spool, so bouncer-server's dispatcher picks it up on
// its next scan without this process needing to talk to bouncer-server at
// all.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/nxmango/bouncer/internal/spool"
)

const (
	exUsage    = 64
	exTempfail = 75

	maxStdinBytes = 25 * 1024 * 1024
)

// nonceCounter is a process-wide monotonic counter that supplies the
// filename nonce only when crypto/rand fails; normally the nonce is 8
// random bytes, placed alongside the PID and a timestamp.
var nonceCounter atomic.Uint64

var (
	incomingDir string
	queueID     string
	fromAddr    string
	toAddr      string
	originalTo  string
	size        int64
)

var rootCmd = &cobra.Command{
	Use:   "bouncer-delivery",
	Short: "Local delivery hook: spool a message read from stdin",
	RunE:  run,
}

func main() {
	rootCmd.Flags().StringVar(&incomingDir, "incoming-dir", "", "spool incoming/ directory (required)")
	rootCmd.Flags().StringVar(&queueID, "queue-id", "", "MTA queue id, for logging only")
	rootCmd.Flags().StringVar(&fromAddr, "from", "", "envelope sender, for logging only")
	rootCmd.Flags().StringVar(&toAddr, "to", "", "envelope recipient, for logging only")
	rootCmd.Flags().StringVar(&originalTo, "original-to", "", "original recipient, for logging only")
	rootCmd.Flags().Int64Var(&size, "size", 0, "reported message size, for logging only")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bouncer-delivery: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

type usageError struct{ error }

func run(cmd *cobra.Command, args []string) error {
	if incomingDir == "" {
		return usageError{fmt.Errorf("--incoming-dir is required")}
	}

	payload, err := io.ReadAll(io.LimitReader(os.Stdin, maxStdinBytes+1))
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(payload) > maxStdinBytes {
		return fmt.Errorf("message body exceeds %d byte limit", maxStdinBytes)
	}

	name := buildFilename(queueID)
	final := filepath.Join(incomingDir, name)
	tmp := final + ".tmp"

	if err := spool.WriteTempAndRename(tmp, final, payload); err != nil {
		return fmt.Errorf("spool message: %w", err)
	}

	fmt.Fprintf(os.Stderr, "bouncer-delivery: spooled %s (%d bytes, queue_id=%s, from=%s, to=%s, original_to=%s, reported_size=%d)\n",
		final, len(payload), orDash(queueID), orDash(fromAddr), orDash(toAddr), orDash(originalTo), size)
	return nil
}

// buildFilename produces {unix_ms}-{pid}-{sanitized-queue-id}-{16-hex-nonce}.eml.
func buildFilename(rawQueueID string) string {
	unixMs := time.Now().UnixMilli()
	pid := os.Getpid()
	sanitized := sanitizeQueueID(rawQueueID)

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		n := nonceCounter.Add(1)
		for i := range nonce {
			nonce[i] = byte(n >> (8 * i))
		}
	}

	return fmt.Sprintf("%d-%d-%s-%s.eml", unixMs, pid, sanitized, hex.EncodeToString(nonce[:]))
}

// sanitizeQueueID keeps ASCII alphanumerics, '-', and '_'; replaces
// everything else with '_'; truncates to 64 chars; falls back to "na" for
// an empty result, matching the spool layout's sanitizer.
func sanitizeQueueID(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	if out == "" {
		return "na"
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func exitCodeFor(err error) int {
	var usage usageError
	if errors.As(err, &usage) {
		return exUsage
	}
	return exTempfail
}
