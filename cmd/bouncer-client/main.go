// Command bouncer-client is a thin synchronous TCP client for ad hoc or
// scripted bounce submission: it reads a raw mail payload from stdin and
// sends it to bouncer-server as a kind-less (raw mail) frame, waiting for
// the 3-byte ACK.
package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nxmango/bouncer/internal/proto"
)

const (
	exUsage    = 64
	exTempfail = 75

	maxStdinBytes = 50 * 1024
)

var (
	server      string
	fromAddr    string
	toAddr      string
	timeoutSecs int
)

var rootCmd = &cobra.Command{
	Use:   "bouncer-client",
	Short: "Submit a raw mail payload from stdin to bouncer-server",
	RunE:  run,
}

func main() {
	rootCmd.Flags().StringVar(&server, "server", "", "bouncer-server host:port (required)")
	rootCmd.Flags().StringVar(&fromAddr, "from", "", "envelope sender (required)")
	rootCmd.Flags().StringVar(&toAddr, "to", "", "envelope recipient (required)")
	rootCmd.Flags().IntVar(&timeoutSecs, "timeout-secs", 10, "connect/read/write timeout in seconds")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bouncer-client: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

type usageError struct{ error }

func run(cmd *cobra.Command, args []string) error {
	if server == "" {
		return usageError{fmt.Errorf("--server is required")}
	}
	if fromAddr == "" {
		return usageError{fmt.Errorf("--from is required")}
	}
	if toAddr == "" {
		return usageError{fmt.Errorf("--to is required")}
	}
	if timeoutSecs <= 0 {
		timeoutSecs = 10
	}
	timeout := time.Duration(timeoutSecs) * time.Second

	payload, err := io.ReadAll(io.LimitReader(os.Stdin, maxStdinBytes+1))
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(payload) > maxStdinBytes {
		return fmt.Errorf("message body exceeds %d byte limit", maxStdinBytes)
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", server)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	header := proto.Header{From: fromAddr, To: toAddr}
	headerBytes, err := proto.EncodeHeader(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	if err := proto.WriteFrame(conn, headerBytes, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := proto.ReadAck(conn); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}

	fmt.Fprintf(os.Stderr, "bouncer-client: delivered %d bytes to %s (from=%s, to=%s)\n", len(payload), server, fromAddr, toAddr)
	return nil
}

func exitCodeFor(err error) int {
	var usage usageError
	if errors.As(err, &usage) {
		return exUsage
	}
	return exTempfail
}
