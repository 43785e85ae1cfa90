package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"signalsim/internal/config"
	"signalsim/internal/domain"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMS   = 250
)

var (
	ErrNotConnected  = errors.New("mqtt: not connected")
	ErrPublishFailed = errors.New("mqtt: publish failed")
)

// mqttClient is the subset of pahomqtt.Client the sink needs.
type mqttClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes each snapshot as a retained message on
// {prefix}/state/{intersection_id}.
type MQTTSink struct {
	client mqttClient
	prefix string
	qos    byte
	now    func() time.Time
}

// DialMQTT connects to the configured broker.
func DialMQTT(cfg config.MQTTConfig) (*MQTTSink, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out after %v", cfg.Broker, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return newMQTTSink(client, cfg.TopicPrefix, byte(cfg.QoS)), nil
}

func newMQTTSink(client mqttClient, prefix string, qos byte) *MQTTSink {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "signalsim"
	}
	return &MQTTSink{client: client, prefix: prefix, qos: qos, now: time.Now}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// StateTopic returns the retained state topic of one intersection.
func (s *MQTTSink) StateTopic(intersectionID string) string {
	return fmt.Sprintf("%s/state/%s", s.prefix, intersectionID)
}

func (s *MQTTSink) Publish(snap domain.Snapshot) error {
	payload, err := encodeState(snap, s.now())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return s.publish(s.StateTopic(snap.IntersectionID), payload)
}

// Remove clears the retained state so new subscribers stop seeing it.
func (s *MQTTSink) Remove(intersectionID string) error {
	return s.publish(s.StateTopic(intersectionID), []byte{})
}

func (s *MQTTSink) publish(topic string, payload []byte) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}
	token := s.client.Publish(topic, s.qos, true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(disconnectQuiesceMS)
	return nil
}
