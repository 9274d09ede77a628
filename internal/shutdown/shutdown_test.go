package shutdown

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayNode/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

type countingCloser struct {
	name   string
	calls  atomic.Int32
	err    error
	order  *[]string
	orderM *sync.Mutex
}

func (c *countingCloser) Close() error {
	c.calls.Add(1)
	if c.order != nil {
		c.orderM.Lock()
		*c.order = append(*c.order, c.name)
		c.orderM.Unlock()
	}
	return c.err
}

type exitRecorder struct {
	calls atomic.Int32
	code  atomic.Int32
}

func (e *exitRecorder) exit(code int) {
	e.calls.Add(1)
	e.code.Store(int32(code))
}

func TestTriggerClosesInOrderAndExits(t *testing.T) {
	var order []string
	var mu sync.Mutex
	exit := &exitRecorder{}

	c := New(10*time.Millisecond, exit.exit)
	httpL := &countingCloser{name: "http", order: &order, orderM: &mu}
	udpL := &countingCloser{name: "udp", order: &order, orderM: &mu, err: errors.New("already closed")}
	c.Add("http listener", httpL)
	c.Add("udp socket", udpL)

	assert.False(t, c.Draining())
	c.Trigger("terminated")

	assert.True(t, c.Draining())
	assert.Equal(t, []string{"http", "udp"}, order)
	assert.Equal(t, int32(1), exit.calls.Load())
	assert.Equal(t, int32(0), exit.code.Load())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after drain")
	}
}

func TestTriggerIsIdempotentUnderConcurrency(t *testing.T) {
	exit := &exitRecorder{}
	c := New(20*time.Millisecond, exit.exit)
	l := &countingCloser{name: "http"}
	c.Add("http listener", l)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Trigger("interrupt")
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return exit.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), l.calls.Load())

	c.Trigger("interrupt")
	assert.Equal(t, int32(1), l.calls.Load())
	assert.Equal(t, int32(1), exit.calls.Load())
}

func TestWatchHandlesSignal(t *testing.T) {
	exit := &exitRecorder{}
	c := New(0, exit.exit)
	l := &countingCloser{name: "http"}
	c.Add("http listener", l)

	sigChan := make(chan os.Signal, 1)
	done := make(chan struct{})
	go func() {
		c.watch(context.Background(), sigChan)
		close(done)
	}()

	sigChan <- syscall.SIGTERM

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after SIGTERM")
	}
	assert.Equal(t, int32(1), l.calls.Load())
	assert.Equal(t, int32(1), exit.calls.Load())
}

func TestWatchStopsOnCancel(t *testing.T) {
	exit := &exitRecorder{}
	c := New(0, exit.exit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Watch(ctx)

	assert.False(t, c.Draining())
	assert.Equal(t, int32(0), exit.calls.Load())
}
