//go:build linux

// Command fleet-agent is the top-level ISOBUS agent: it binds a CAN_RAW
// (and optionally a serial-gateway) FrameIO, wires every core component
// through the Protocol Manager, publishes decoded messages to MQTT and a
// dashboard WebSocket, persists seen DTCs to bbolt, and shuts down on
// SIGINT/SIGTERM. Grounded in the teacher's cmd/agent-j1939/main.go
// (flag parsing, bbolt lifecycle, MQTT wiring, signal-driven graceful
// shutdown), generalized from a single-vehicle J1939 data model to the
// whole core's components.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/afs-fleet/isobus-core/internal/addrclaim"
	"github.com/afs-fleet/isobus-core/internal/bandwidth"
	"github.com/afs-fleet/isobus-core/internal/busio"
	"github.com/afs-fleet/isobus-core/internal/codec"
	"github.com/afs-fleet/isobus-core/internal/config"
	"github.com/afs-fleet/isobus-core/internal/congestion"
	"github.com/afs-fleet/isobus-core/internal/diagnostics"
	"github.com/afs-fleet/isobus-core/internal/dtcstore"
	"github.com/afs-fleet/isobus-core/internal/events"
	"github.com/afs-fleet/isobus-core/internal/isobus"
	"github.com/afs-fleet/isobus-core/internal/msgqueue"
	"github.com/afs-fleet/isobus-core/internal/router"
	"github.com/afs-fleet/isobus-core/internal/telemetry"
	"github.com/afs-fleet/isobus-core/internal/transport"
)

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	useSerial := flag.Bool("use-serial", false, "use a serial-gateway FrameIO instead of SocketCAN")
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("fleet-agent: starting on %s...", cfg.CANInterface)

	store, err := dtcstore.Open(cfg.DTCStorePath)
	if err != nil {
		log.Fatalf("fleet-agent: open DTC store %s: %v", cfg.DTCStorePath, err)
	}
	defer store.Close()
	log.Printf("fleet-agent: DTC store opened at %s", cfg.DTCStorePath)

	var frameIO interface {
		Start()
		Close() error
		Frames() <-chan codec.Frame
		Send(codec.Frame) bool
	}
	if *useSerial {
		frameIO, err = busio.OpenSerial(cfg.SerialPort, cfg.SerialBaud, 100*time.Millisecond)
		if err != nil {
			log.Fatalf("fleet-agent: open serial gateway %s: %v", cfg.SerialPort, err)
		}
	} else {
		frameIO, err = busio.OpenSocketCAN(cfg.CANInterface)
		if err != nil {
			log.Fatalf("fleet-agent: open CAN interface %s: %v", cfg.CANInterface, err)
		}
	}
	frameIO.Start()

	rec := events.NewRecorder()
	mgr := isobus.New(
		transport.NewHandler(cfg.Transport, rec),
		addrclaim.NewRegistry(cfg.AddrClaim, rec),
		diagnostics.NewHandler(rec),
		msgqueue.New(cfg.Queue),
		congestion.NewDetector(cfg.Congestion.HistorySize),
		congestion.NewThrottler(rec),
		bandwidth.NewArbiter(cfg.Bandwidth.TotalKbps),
		router.New(),
		rec,
	)
	mgr.Router.SetActiveInterfaces([]string{cfg.CANInterface})

	mgr.Diagnostics.AddCallback(func(sa uint8, dtcs []diagnostics.DTC) {
		if !store.FlushBatch(sa, dtcs) {
			log.Printf("fleet-agent: failed to persist DTC batch for source address %#x", sa)
		}
	})

	mqttCfg := telemetry.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: fmt.Sprintf("isobus-core-%s-%d", cfg.CANInterface, time.Now().UnixNano()),
		Topic:    cfg.MQTTTopic,
		QoS:      0,
	}
	mqttSink := telemetry.NewMQTTSink(mqttCfg)
	if err := mqttSink.Connect(); err != nil {
		log.Fatalf("fleet-agent: connect to MQTT broker %s: %v", mqttCfg.Broker, err)
	}
	defer mqttSink.Disconnect()

	wsBroadcaster := telemetry.NewWSBroadcaster()
	mgr.AddMessageSink(mqttSink.HandleMessage)
	mgr.AddMessageSink(wsBroadcaster.HandleMessage)
	mgr.AddBatchSink(mqttSink.FlushBatch)

	wsServer := &http.Server{Addr: cfg.WSListen, Handler: wsBroadcaster}
	go func() {
		log.Printf("fleet-agent: dashboard websocket listening on %s", cfg.WSListen)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("fleet-agent: websocket server error: %v", err)
		}
	}()

	mgr.SetMonitorInterval(cfg.Congestion.MonitorInterval())
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)

	done := make(chan struct{})
	go func() {
		defer func() {
			log.Println("fleet-agent: ingress dispatch goroutine exiting")
			close(done)
		}()
		log.Println("fleet-agent: ingress dispatch goroutine started")
		for frame := range frameIO.Frames() {
			now := time.Now()
			mgr.HandleFrame(frame, cfg.CANInterface, now)
			mgr.Enqueue(frame, cfg.CANInterface, now)
		}
	}()

	log.Println("fleet-agent: running. Press Ctrl+C to exit.")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("fleet-agent: received signal %s, shutting down...", sig)

	cancel()
	mgr.Stop()

	log.Println("fleet-agent: stopping websocket server...")
	wsServer.Close()

	log.Println("fleet-agent: stopping frame I/O...")
	if err := frameIO.Close(); err != nil {
		log.Printf("fleet-agent: error closing frame I/O: %v", err)
	}
	<-done

	log.Println("fleet-agent: shutdown complete.")
}
