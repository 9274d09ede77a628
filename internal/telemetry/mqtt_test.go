package telemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayNode/internal/assembler"
	"relayNode/internal/monitoring"
	"relayNode/internal/state"
)

func init() {
	monitoring.SetLogger(nil)
}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	published    []published
	subscribed   map[string]MQTT.MessageHandler
	publishErr   error
	disconnected bool

	// block, if set, holds every Publish until closed.
	block chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscribed: make(map[string]MQTT.MessageHandler)}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, payload.([]byte)})
	return &fakeToken{err: c.publishErr}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb MQTT.MessageHandler) MQTT.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[topic] = cb
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) Published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func testConfig() Config {
	return Config{
		ClientID:    "relay-test",
		StatusTopic: "relay/status",
		PingTopic:   "relay/ping",
		StatsTopic:  "relay/stats",
	}
}

func TestPublishStatus(t *testing.T) {
	client := newFakeClient()
	p := newPublisher(client, testConfig())

	p.PublishStatus(state.Status{CameraConnected: true, CarCount: 4, HasAmbulance: true})

	require.Eventually(t, func() bool { return len(client.Published()) == 1 }, time.Second, 5*time.Millisecond)
	pubs := client.Published()
	assert.Equal(t, "relay/status", pubs[0].topic)

	var st state.Status
	require.NoError(t, json.Unmarshal(pubs[0].payload, &st))
	assert.True(t, st.CameraConnected)
	assert.Equal(t, 4, st.CarCount)
	assert.True(t, st.HasAmbulance)
}

func TestPublishStatusDoesNotWaitForBroker(t *testing.T) {
	client := newFakeClient()
	client.block = make(chan struct{})
	p := newPublisher(client, testConfig())

	start := time.Now()
	for i := 0; i < 3; i++ {
		p.PublishStatus(state.Status{CarCount: i})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Empty(t, client.Published())

	close(client.block)
	require.Eventually(t, func() bool { return len(client.Published()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestPublishErrorIsLoggedOnly(t *testing.T) {
	client := newFakeClient()
	client.publishErr = errors.New("not connected")
	p := newPublisher(client, testConfig())

	assert.NotPanics(t, func() { p.PublishStatus(state.Status{}) })
}

func TestPingRepliesWithReport(t *testing.T) {
	client := newFakeClient()
	cfg := testConfig()
	cfg.Report = func() Report {
		return Report{
			Status: state.Status{CarCount: 2},
			Frames: assembler.Stats{Completed: 10, Expired: 1},
		}
	}
	p := newPublisher(client, cfg)
	p.hostStats = func() (HostStats, error) { return HostStats{CPUUsage: 12.5, MEMUsage: 40}, nil }

	require.NoError(t, p.subscribePing())
	handler, ok := client.subscribed["relay/ping"]
	require.True(t, ok)
	handler(nil, nil)

	require.Eventually(t, func() bool { return len(client.Published()) == 1 }, time.Second, 5*time.Millisecond)

	pub := client.Published()[0]
	assert.Equal(t, "relay/stats", pub.topic)

	var r Report
	require.NoError(t, json.Unmarshal(pub.payload, &r))
	assert.Equal(t, "relay-test", r.Node)
	assert.Equal(t, 12.5, r.Host.CPUUsage)
	assert.Equal(t, 2, r.Status.CarCount)
	assert.Equal(t, uint64(10), r.Frames.Completed)
	assert.False(t, r.Time.IsZero())
}

func TestHostStatsErrorStillReports(t *testing.T) {
	client := newFakeClient()
	p := newPublisher(client, testConfig())
	p.hostStats = func() (HostStats, error) { return HostStats{}, errors.New("no /proc") }

	p.sendStats()
	require.Len(t, client.Published(), 1)
}

func TestDisabledPublisherIsNoop(t *testing.T) {
	p, err := Connect(Config{})
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.NotPanics(t, func() {
		p.PublishStatus(state.Status{})
		p.sendStats()
		p.Close()
	})
}

func TestClose(t *testing.T) {
	client := newFakeClient()
	p := newPublisher(client, testConfig())
	p.Close()
	assert.True(t, client.disconnected)
}
