package discovery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/rf433-gateway/internal/config"
	"github.com/chaz8081/rf433-gateway/internal/radio"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("discovery: mqtt connection failed")
	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("discovery: mqtt operation timed out")
)

// broker is the part of an MQTT client that discovery needs.
type broker interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, fn func(payload []byte)) error
	Unsubscribe(topic string) error
	Close()
}

// serviceRecord is the retained payload under a service topic.
type serviceRecord struct {
	Addr    string    `json:"addr"`
	Updated time.Time `json:"updated"`
}

// stateRecord is the retained payload under the gateway state topic.
type stateRecord struct {
	State   string    `json:"state"`
	Device  string    `json:"device,omitempty"`
	Updated time.Time `json:"updated"`
}

// MQTT advertises services as retained messages on
// <prefix>/services/<name> and mirrors the gateway connection state to
// <prefix>/gateway/state.
type MQTT struct {
	b      broker
	prefix string
	qos    byte
	host   string
	log    *slog.Logger
}

// DialMQTT connects to the broker described by cfg.
func DialMQTT(cfg config.DiscoveryConfig, logger *slog.Logger) (*MQTT, error) {
	opts := pahomqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	// The broker marks the gateway offline if this process dies.
	will, _ := json.Marshal(stateRecord{State: radio.Disconnected.String()})
	opts.SetWill(stateTopic(cfg.TopicPrefix), string(will), byte(cfg.QoS), true)

	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return newMQTT(&pahoBroker{c: c}, cfg, logger), nil
}

func newMQTT(b broker, cfg config.DiscoveryConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	host := cfg.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	return &MQTT{
		b:      b,
		prefix: cfg.TopicPrefix,
		qos:    byte(cfg.QoS),
		host:   host,
		log:    logger.With("component", "discovery"),
	}
}

func serviceTopic(prefix, name string) string { return prefix + "/services/" + name }

func stateTopic(prefix string) string { return prefix + "/gateway/state" }

// Advertise publishes host:port for name as a retained message.
func (m *MQTT) Advertise(_ context.Context, name string, port int) error {
	if err := validName(name); err != nil {
		return err
	}
	rec := serviceRecord{Addr: net.JoinHostPort(m.host, strconv.Itoa(port)), Updated: time.Now().UTC()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("discovery: encode record: %w", err)
	}
	if err := m.b.Publish(serviceTopic(m.prefix, name), m.qos, true, payload); err != nil {
		return fmt.Errorf("discovery: advertise %s: %w", name, err)
	}
	m.log.Info("advertised", "name", name, "addr", rec.Addr)
	return nil
}

// Withdraw clears the retained record for name.
func (m *MQTT) Withdraw(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := m.b.Publish(serviceTopic(m.prefix, name), m.qos, true, nil); err != nil {
		return fmt.Errorf("discovery: withdraw %s: %w", name, err)
	}
	return nil
}

// Resolve waits for the retained record of name until ctx ends.
func (m *MQTT) Resolve(ctx context.Context, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	topic := serviceTopic(m.prefix, name)
	found := make(chan string, 1)
	err := m.b.Subscribe(topic, m.qos, func(payload []byte) {
		var rec serviceRecord
		if len(payload) == 0 || json.Unmarshal(payload, &rec) != nil || rec.Addr == "" {
			return
		}
		select {
		case found <- rec.Addr:
		default:
		}
	})
	if err != nil {
		return "", fmt.Errorf("discovery: resolve %s: %w", name, err)
	}
	defer func() {
		if err := m.b.Unsubscribe(topic); err != nil {
			m.log.Debug("unsubscribe failed", "topic", topic, "error", err)
		}
	}()

	select {
	case addr := <-found:
		return addr, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
}

// PublishState records the gateway connection state.
func (m *MQTT) PublishState(s radio.State, device string) error {
	payload, err := json.Marshal(stateRecord{State: s.String(), Device: device, Updated: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("discovery: encode state: %w", err)
	}
	return m.b.Publish(stateTopic(m.prefix), m.qos, true, payload)
}

// Follow publishes every connection state change seen on sub until ctx
// ends or sub is closed.
func (m *MQTT) Follow(ctx context.Context, sub *radio.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Kind != radio.EventState {
				continue
			}
			if err := m.PublishState(e.State, e.Device); err != nil {
				m.log.Warn("publishing gateway state failed", "error", err)
			}
		}
	}
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.b.Close()
}

var (
	_ Advertiser = (*MQTT)(nil)
	_ Resolver   = (*MQTT)(nil)
)

// pahoBroker adapts a paho client to broker.
type pahoBroker struct {
	c pahomqtt.Client
}

func wait(t pahomqtt.Token) error {
	if !t.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w after %v", ErrTimeout, defaultPublishTimeout)
	}
	return t.Error()
}

func (p *pahoBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return wait(p.c.Publish(topic, qos, retained, payload))
}

func (p *pahoBroker) Subscribe(topic string, qos byte, fn func(payload []byte)) error {
	return wait(p.c.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		fn(msg.Payload())
	}))
}

func (p *pahoBroker) Unsubscribe(topic string) error {
	return wait(p.c.Unsubscribe(topic))
}

func (p *pahoBroker) Close() {
	p.c.Disconnect(disconnectQuiesce)
}
