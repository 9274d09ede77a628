// Package shutdown drains the relay's listeners once on a termination signal.
package shutdown

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"relayNode/internal/monitoring"
)

// Coordinator moves from running to draining exactly once. Draining closes
// every registered listener, waits the grace period and calls Exit. Work
// already in flight is not cancelled.
type Coordinator struct {
	grace    time.Duration
	exit     func(code int)
	draining atomic.Bool

	mu      sync.Mutex
	closers []namedCloser
	done    chan struct{}
}

type namedCloser struct {
	name string
	c    io.Closer
}

// New returns a Coordinator. A nil exit defaults to os.Exit.
func New(grace time.Duration, exit func(code int)) *Coordinator {
	if exit == nil {
		exit = os.Exit
	}
	return &Coordinator{grace: grace, exit: exit, done: make(chan struct{})}
}

// Add registers a listener to close on shutdown. Listeners are closed in the
// order they were added.
func (c *Coordinator) Add(name string, closer io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, namedCloser{name, closer})
}

// Draining reports whether shutdown has started.
func (c *Coordinator) Draining() bool {
	return c.draining.Load()
}

// Done is closed once every listener has been closed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Trigger starts the drain. Only the first call does anything; later and
// concurrent calls return immediately.
func (c *Coordinator) Trigger(reason string) {
	if !c.draining.CompareAndSwap(false, true) {
		return
	}
	monitoring.Logf("%s received, shutting down...", reason)

	c.mu.Lock()
	closers := append([]namedCloser(nil), c.closers...)
	c.mu.Unlock()

	for _, nc := range closers {
		if err := nc.c.Close(); err != nil {
			monitoring.Logf("Failed to close %s: %v", nc.name, err)
		} else {
			monitoring.Logf("Closed %s", nc.name)
		}
	}
	close(c.done)

	time.Sleep(c.grace)
	monitoring.Logf("Shutdown complete")
	c.exit(0)
}

// Watch triggers the drain on SIGINT or SIGTERM. It returns when a signal
// has been handled or ctx is cancelled.
func (c *Coordinator) Watch(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	c.watch(ctx, sigChan)
}

func (c *Coordinator) watch(ctx context.Context, sigChan <-chan os.Signal) {
	select {
	case <-ctx.Done():
	case sig := <-sigChan:
		c.Trigger(sig.String())
	}
}
