// Package config bundles the plain options structs passed to every
// component's constructor (spec §6 Configuration), following the
// teacher's MQTTConfig pattern (pkg/mqtt/mqtt.go) of one struct per
// collaborator rather than a single god-object. RegisterFlags binds the
// command layer's flag.FlagSet the way cmd/agent-j1939/main.go does,
// keeping flag parsing entirely at the cmd/ boundary.
package config

import (
	"flag"
	"time"

	"github.com/afs-fleet/isobus-core/internal/addrclaim"
	"github.com/afs-fleet/isobus-core/internal/msgqueue"
	"github.com/afs-fleet/isobus-core/internal/transport"
)

// Config is every component's options, collected for the cmd/ layer.
type Config struct {
	CANInterface string
	SerialPort   string
	SerialBaud   int

	Queue      msgqueue.Config
	Transport  transport.Config
	AddrClaim  addrclaim.Policy
	Bandwidth  BandwidthConfig
	Congestion CongestionConfig
	DTCStorePath string

	MQTTBroker string
	MQTTTopic  string
	WSListen   string
}

// BandwidthConfig configures the Bandwidth Arbiter (spec §6
// bandwidth.total_kbps).
type BandwidthConfig struct {
	TotalKbps float64
}

// CongestionConfig configures the Congestion Detector's monitoring
// cadence and history window (spec §6 congestion.interval_ms,
// congestion.history_size).
type CongestionConfig struct {
	IntervalMS  int
	HistorySize int
}

// Default returns every component's defaults, matching spec.md §6's
// enumerated defaults (transport 30s session timeout) and the teacher's
// own constants (defaultCanInterface = "can0", defaultMqttBroker,
// defaultMqttTopic).
func Default() Config {
	return Config{
		CANInterface: "can0",
		SerialPort:   "/dev/ttyUSB0",
		SerialBaud:   38400,

		Queue:        msgqueue.DefaultConfig(),
		Transport:    transport.DefaultConfig(),
		AddrClaim:    addrclaim.FirstWriterWins,
		Bandwidth:    BandwidthConfig{TotalKbps: 250},
		Congestion:   CongestionConfig{IntervalMS: 1000, HistorySize: 30},
		DTCStorePath: "isobus_dtc.db",

		MQTTBroker: "tcp://localhost:1883",
		MQTTTopic:  "isobus/messages",
		WSListen:   ":8088",
	}
}

// RegisterFlags binds every tunable to fs, mirroring the teacher's
// package-level flag.String/flag.Duration declarations in
// cmd/agent-j1939/main.go, generalized into one function so cmd/ stays a
// thin wiring layer.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.CANInterface, "can-if", c.CANInterface, "CAN interface name (e.g. can0, vcan0)")
	fs.StringVar(&c.SerialPort, "serial-port", c.SerialPort, "serial gateway device path")
	fs.IntVar(&c.SerialBaud, "serial-baud", c.SerialBaud, "serial gateway baud rate")

	fs.IntVar(&c.Queue.MaxQueueSize, "queue-capacity", c.Queue.MaxQueueSize, "maximum queued messages before admission control engages")
	fs.DurationVar(&c.Transport.SessionTimeout, "transport-session-timeout", c.Transport.SessionTimeout, "transport session inactivity timeout")
	fs.IntVar(&c.Transport.MaxSequenceErrors, "transport-max-sequence-errors", c.Transport.MaxSequenceErrors, "consecutive out-of-order data packets before a session aborts")

	fs.Float64Var(&c.Bandwidth.TotalKbps, "bandwidth-total-kbps", c.Bandwidth.TotalKbps, "total bandwidth budget in kbps")
	fs.IntVar(&c.Congestion.IntervalMS, "congestion-interval-ms", c.Congestion.IntervalMS, "congestion monitor tick interval")
	fs.IntVar(&c.Congestion.HistorySize, "congestion-history-size", c.Congestion.HistorySize, "congestion rolling-window sample count")

	fs.StringVar(&c.DTCStorePath, "dtc-store-path", c.DTCStorePath, "path to the bbolt DTC dedup database")

	fs.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker, "MQTT broker URL")
	fs.StringVar(&c.MQTTTopic, "mqtt-topic", c.MQTTTopic, "MQTT topic prefix for decoded messages")
	fs.StringVar(&c.WSListen, "ws-listen", c.WSListen, "listen address for the dashboard websocket server")
}

// MonitorInterval converts IntervalMS to a time.Duration for
// the monitor task's ticker.
func (c CongestionConfig) MonitorInterval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}
