// Package telemetry publishes relay status and host statistics to an MQTT broker.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"relayNode/internal/monitoring"
	"relayNode/internal/state"
)

const publishTimeout = 2 * time.Second

// Config configures the MQTT link. An empty Broker disables telemetry.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	StatusTopic string
	PingTopic   string
	StatsTopic  string

	// Report builds the body of a stats reply. Host stats and the timestamp are filled in.
	Report func() Report
}

// mqttClient is the subset of MQTT.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token
	Disconnect(quiesce uint)
}

// Publisher is safe for concurrent use. A Publisher with no broker drops
// everything silently.
type Publisher struct {
	client    mqttClient
	cfg       Config
	hostStats func() (HostStats, error)
}

// Disabled returns a Publisher that never connects.
func Disabled() *Publisher {
	return &Publisher{}
}

// Connect dials the broker and subscribes to the ping topic. With an empty
// broker it returns a disabled Publisher.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return Disabled(), nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%d", cfg.ClientID, time.Now().UnixNano()))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.OnConnectionLost = func(client MQTT.Client, err error) {
		monitoring.Logf("MQTT connection lost: %v", err)
	}
	opts.OnReconnecting = func(client MQTT.Client, opts *MQTT.ClientOptions) {
		monitoring.Logf("Reconnecting to MQTT broker...")
	}

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("error connecting to MQTT broker: %w", token.Error())
	}
	monitoring.Logf("Connected to MQTT broker %s", cfg.Broker)

	p := newPublisher(client, cfg)
	if err := p.subscribePing(); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return p, nil
}

func newPublisher(client mqttClient, cfg Config) *Publisher {
	return &Publisher{client: client, cfg: cfg, hostStats: getHostStats}
}

// Enabled reports whether the publisher has a broker connection.
func (p *Publisher) Enabled() bool {
	return p.client != nil
}

func (p *Publisher) subscribePing() error {
	if p.cfg.PingTopic == "" {
		return nil
	}
	token := p.client.Subscribe(p.cfg.PingTopic, 0, func(c MQTT.Client, m MQTT.Message) {
		// Host sampling blocks, keep it off the paho router goroutine.
		go p.sendStats()
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("error subscribing to topic %s: %w", p.cfg.PingTopic, token.Error())
	}
	monitoring.Logf("Subscribed to topic %s", p.cfg.PingTopic)
	return nil
}

// PublishStatus publishes the status snapshot without waiting for the broker.
// Failures are logged only.
func (p *Publisher) PublishStatus(st state.Status) {
	if !p.Enabled() || p.cfg.StatusTopic == "" {
		return
	}
	go p.publishJSON(p.cfg.StatusTopic, st)
}

func (p *Publisher) sendStats() {
	if !p.Enabled() || p.cfg.StatsTopic == "" {
		return
	}
	p.publishJSON(p.cfg.StatsTopic, p.buildReport())
}

func (p *Publisher) buildReport() Report {
	var r Report
	if p.cfg.Report != nil {
		r = p.cfg.Report()
	}
	if p.hostStats != nil {
		hs, err := p.hostStats()
		if err != nil {
			monitoring.Logf("Failed to get host stats: %v", err)
		}
		r.Host = hs
	}
	if r.Node == "" {
		r.Node = p.cfg.ClientID
	}
	r.Time = time.Now().UTC()
	return r
}

func (p *Publisher) publishJSON(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		monitoring.Logf("Failed to marshal %s payload: %v", topic, err)
		return
	}
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		monitoring.Logf("Timed out publishing to %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		monitoring.Logf("Failed to publish to %s: %v", topic, err)
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.Enabled() {
		p.client.Disconnect(250)
	}
}
