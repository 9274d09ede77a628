// Package assembler rebuilds camera frames from lossy, out-of-order UDP
// fragments and evicts frames that stall before completing.
package assembler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relayNode/internal/monitoring"
)

// FrameSink receives every completed frame. HandleFrame is called on the
// ingesting goroutine and must not block.
type FrameSink interface {
	HandleFrame(frame []byte)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(frame []byte)

func (f FrameSinkFunc) HandleFrame(frame []byte) { f(frame) }

// Stats is a point-in-time copy of the assembler counters.
type Stats struct {
	Datagrams  uint64 `json:"datagrams"`
	Accepted   uint64 `json:"accepted"`
	Duplicates uint64 `json:"duplicates"`
	Malformed  uint64 `json:"malformed"`
	Conflicts  uint64 `json:"conflicts"`
	Completed  uint64 `json:"completed"`
	Expired    uint64 `json:"expired"`
	Pending    int    `json:"pending"`
}

// Config configures an Assembler.
type Config struct {
	Sink FrameSink

	// MaxPacketsPerFrame caps the totalPackets a trailer may claim. Zero means no cap.
	MaxPacketsPerFrame int

	// Now is the clock used for lastUpdated and eviction. Defaults to time.Now.
	Now func() time.Time
}

type frameAssembly struct {
	slots         [][]byte
	filled        []bool
	receivedCount int
	lastUpdated   time.Time
}

// Assembler owns the pending-frame store. All slot writes and the reaper's
// sweep happen under mu.
type Assembler struct {
	mu         sync.Mutex
	pending    map[uint32]*frameAssembly
	stats      Stats
	sink       FrameSink
	maxPackets uint32
	now        func() time.Time
}

// New creates an Assembler. A nil sink discards completed frames.
func New(cfg Config) *Assembler {
	a := &Assembler{
		pending: make(map[uint32]*frameAssembly),
		sink:    cfg.Sink,
		now:     cfg.Now,
	}
	if a.sink == nil {
		a.sink = FrameSinkFunc(func([]byte) {})
	}
	if a.now == nil {
		a.now = time.Now
	}
	if cfg.MaxPacketsPerFrame > 0 {
		a.maxPackets = uint32(cfg.MaxPacketsPerFrame)
	}
	return a
}

// Ingest applies one datagram. Malformed, conflicting and duplicate packets
// are dropped and logged; a packet that completes its frame hands the
// concatenated frame to the sink before Ingest returns.
func (a *Assembler) Ingest(datagram []byte) {
	frame, err := a.apply(datagram)
	if err != nil {
		monitoring.Logf("Dropping datagram: %v", err)
		return
	}
	if frame != nil {
		a.sink.HandleFrame(frame)
	}
}

func (a *Assembler) apply(datagram []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.Datagrams++

	p, err := ParsePacket(datagram)
	if err == nil && a.maxPackets > 0 && p.TotalPackets > a.maxPackets {
		err = fmt.Errorf("%w: frame %d claims %d packets, limit %d",
			ErrInvalidTrailer, p.FrameNumber, p.TotalPackets, a.maxPackets)
	}
	if err != nil {
		a.stats.Malformed++
		return nil, err
	}

	fa, exists := a.pending[p.FrameNumber]
	if !exists {
		fa = &frameAssembly{
			slots:       make([][]byte, p.TotalPackets),
			filled:      make([]bool, p.TotalPackets),
			lastUpdated: a.now(),
		}
		a.pending[p.FrameNumber] = fa
	} else if len(fa.slots) != int(p.TotalPackets) {
		a.stats.Conflicts++
		return nil, fmt.Errorf("%w: frame %d has %d slots, packet claims %d",
			ErrFrameSizeMismatch, p.FrameNumber, len(fa.slots), p.TotalPackets)
	}

	if fa.filled[p.PacketIndex] {
		a.stats.Duplicates++
		return nil, nil
	}

	fa.slots[p.PacketIndex] = append([]byte(nil), p.Payload...)
	fa.filled[p.PacketIndex] = true
	fa.receivedCount++
	fa.lastUpdated = a.now()
	a.stats.Accepted++

	if fa.receivedCount < len(fa.slots) {
		return nil, nil
	}

	delete(a.pending, p.FrameNumber)
	a.stats.Completed++
	return fa.concat(), nil
}

func (fa *frameAssembly) concat() []byte {
	size := 0
	for _, s := range fa.slots {
		size += len(s)
	}
	frame := make([]byte, 0, size)
	for _, s := range fa.slots {
		frame = append(frame, s...)
	}
	return frame
}

// Reap discards every pending frame whose last accepted packet is older than
// maxAge and returns how many were discarded. Discarded frames are never
// handed to the sink.
func (a *Assembler) Reap(maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	evicted := 0
	for frameNumber, fa := range a.pending {
		if now.Sub(fa.lastUpdated) <= maxAge {
			continue
		}
		monitoring.Logf("Frame %d timed out with %d/%d packets", frameNumber, fa.receivedCount, len(fa.slots))
		delete(a.pending, frameNumber)
		evicted++
	}
	a.stats.Expired += uint64(evicted)
	return evicted
}

// RunReaper calls Reap every timeout until ctx is cancelled. The timeout is
// both the sweep period and the maximum frame age.
func (a *Assembler) RunReaper(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Reap(timeout)
		}
	}
}

// Pending reports how many frames are partially assembled.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// HasFrame reports whether frameNumber has a pending assembly.
func (a *Assembler) HasFrame(frameNumber uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, exists := a.pending[frameNumber]
	return exists
}

// Received returns how many packets of frameNumber have been accepted, or
// false when no assembly is pending.
func (a *Assembler) Received(frameNumber uint32) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fa, exists := a.pending[frameNumber]
	if !exists {
		return 0, false
	}
	return fa.receivedCount, true
}

// Stats returns a copy of the counters.
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Pending = len(a.pending)
	return s
}
