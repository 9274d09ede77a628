// Package udp receives camera fragments and feeds them to the frame assembler.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"relayNode/internal/assembler"
	"relayNode/internal/monitoring"
)

// maxDatagram is the largest UDP payload the socket can deliver.
const maxDatagram = 65536

// Ingester consumes one datagram. The buffer is reused after Ingest returns.
type Ingester interface {
	Ingest(datagram []byte)
}

// statsSource is implemented by *assembler.Assembler.
type statsSource interface {
	Stats() assembler.Stats
}

// Config contains configuration options for the UDP listener.
type Config struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Ingester    Ingester
}

// Listener owns the camera socket.
type Listener struct {
	conn        *net.UDPConn
	ingester    Ingester
	logInterval time.Duration
	closed      atomic.Bool

	packets atomic.Uint64
	bytes   atomic.Uint64
}

// Listen binds the camera socket. A bind failure is returned to the caller,
// which treats it as fatal.
func Listen(cfg Config) (*Listener, error) {
	if cfg.Ingester == nil {
		return nil, errors.New("udp listener requires an ingester")
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}

	if cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(cfg.RcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", cfg.RcvBuf, err)
		}
	}

	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}

	monitoring.Logf("UDP listener started on %s", conn.LocalAddr())
	return &Listener{conn: conn, ingester: cfg.Ingester, logInterval: logInterval}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled or the socket is closed.
// Closing the socket is a normal stop and returns nil.
func (l *Listener) Serve(ctx context.Context) error {
	go l.logStats(ctx)

	buffer := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Short deadline so cancellation is noticed without a close.
		l.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, _, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || l.closed.Load() {
				return nil
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}

		l.packets.Add(1)
		l.bytes.Add(uint64(n))
		l.ingester.Ingest(buffer[:n])
	}
}

// Close stops the listener. It is safe to call more than once.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.conn.Close()
}

func (l *Listener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.closed.Load() {
				return
			}
			packets := l.packets.Swap(0)
			bytes := l.bytes.Swap(0)
			if s, ok := l.ingester.(statsSource); ok {
				st := s.Stats()
				monitoring.Logf("UDP: %d packets, %.1f KB; frames completed=%d expired=%d pending=%d malformed=%d",
					packets, float64(bytes)/1024, st.Completed, st.Expired, st.Pending, st.Malformed)
			} else {
				monitoring.Logf("UDP: %d packets, %.1f KB", packets, float64(bytes)/1024)
			}
		}
	}
}
