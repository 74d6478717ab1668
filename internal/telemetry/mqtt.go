// Package telemetry provides example decoded-message sink and batch sink
// collaborators (spec §6): an MQTT publisher adapted from the teacher's
// pkg/mqtt/mqtt.go MQTTClient, and a WebSocket broadcaster for live
// dashboards. Neither is part of the core's required interface — they
// demonstrate the sink contract the core expects.
package telemetry

import (
	"encoding/json"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/afs-fleet/isobus-core/internal/codec"
)

// MQTTConfig mirrors the teacher's MQTTConfig, generalized from one
// vehicle-data topic to one decoded-message topic plus an interface tag.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// DefaultMQTTConfig matches the teacher's DefaultBroker/DefaultClientID
// constants.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "isobus-core", Topic: "isobus/messages", QoS: 0}
}

type publishedMessage struct {
	PGN       uint32              `json:"pgn"`
	PGNName   string              `json:"pgn_name"`
	SA        uint8               `json:"source_address"`
	DA        uint8               `json:"destination_address"`
	Priority  uint8               `json:"priority"`
	Timestamp time.Time           `json:"timestamp"`
	SPNs      []codec.DecodedSPN  `json:"spns"`
}

// MQTTSink is a decoded-message sink (spec §6) publishing every decoded
// message as JSON, adapted from MQTTClient.publishData/PublishDTC.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
}

// NewMQTTSink builds an MQTT decoded-message sink. Connect must be called
// before messages are published.
func NewMQTTSink(cfg MQTTConfig) *MQTTSink {
	return &MQTTSink{cfg: cfg}
}

// Connect establishes the MQTT connection, mirroring the teacher's
// Connect with auto-reconnect and connection-lost logging.
func (s *MQTTSink) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("telemetry: connected to MQTT broker %s", s.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("telemetry: MQTT connection lost: %v", err)
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	token.Wait()
	return token.Error()
}

// Disconnect closes the MQTT connection.
func (s *MQTTSink) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// HandleMessage implements the decoded-message sink contract (spec §6):
// a callback receiving (DecodedMessage, interface_id). Failure here never
// propagates to other sinks — the caller (the Protocol Manager) composes
// sinks independently.
func (s *MQTTSink) HandleMessage(msg *codec.DecodedMessage, interfaceID string) {
	s.publish(msg, interfaceID)
}

func (s *MQTTSink) publish(msg *codec.DecodedMessage, interfaceID string) bool {
	if s.client == nil || !s.client.IsConnected() {
		log.Printf("telemetry: MQTT sink not connected, dropping message for PGN %#x", msg.PGN)
		return false
	}

	out := publishedMessage{
		PGN: msg.PGN, PGNName: msg.Name, SA: msg.SourceAddress, DA: msg.DestinationAddress,
		Priority: msg.Priority, Timestamp: msg.Timestamp, SPNs: msg.SPNs,
	}
	data, err := json.Marshal(out)
	if err != nil {
		log.Printf("telemetry: failed to marshal message for MQTT: %v", err)
		return false
	}

	topic := s.cfg.Topic + "/" + interfaceID
	token := s.client.Publish(topic, s.cfg.QoS, false, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("telemetry: MQTT publish to %s failed: %v", topic, token.Error())
		return false
	}
	return true
}

// FlushBatch implements the batch sink contract (spec §6): publishes an
// ordered slice of buffered messages, returning false (and leaving the
// caller to requeue once, then drop) if any message in the batch fails.
func (s *MQTTSink) FlushBatch(messages []*codec.DecodedMessage, interfaceID string) bool {
	ok := true
	for _, msg := range messages {
		if !s.publish(msg, interfaceID) {
			ok = false
		}
	}
	return ok
}
