package observer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
)

const udpReadBufferSize = 8192

// UDPListener receives syslog datagrams forwarded by rsyslog/syslog-ng and
// feeds each line through a Pipeline.
type UDPListener struct {
	Addr     string
	Pipeline *Pipeline
	Log      *slog.Logger
}

// Run binds the UDP socket and processes datagrams until ctx is canceled.
func (l *UDPListener) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.Addr)
	if err != nil {
		return fmt.Errorf("observer udp: resolve %s: %w", l.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("observer udp: listen %s: %w", l.Addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	l.Log.Info("udp syslog observer listening", "addr", conn.LocalAddr().String())

	buf := make([]byte, udpReadBufferSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Log.Warn("udp read failed", "error", err)
			continue
		}

		scanner := bufio.NewScanner(bytes.NewReader(buf[:n]))
		for scanner.Scan() {
			l.Pipeline.Ingest(ctx, scanner.Text())
		}
	}
}
