package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hybridgroup/mjpeg"

	"relayNode/internal/assembler"
	"relayNode/internal/config"
	"relayNode/internal/dispatch"
	"relayNode/internal/hub"
	"relayNode/internal/shutdown"
	"relayNode/internal/state"
	"relayNode/internal/telemetry"
	"relayNode/internal/udp"
)

const envFile = ".env"

func main() {
	cfg, err := config.Load(envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	st := state.New()

	dispatcher := dispatch.New(dispatch.Config{
		URL:         cfg.DetectionURL,
		Timeout:     cfg.DetectionTimeout,
		MaxInFlight: cfg.DetectionMaxInFlight,
	})

	frames := assembler.New(assembler.Config{
		Sink:               dispatcher,
		MaxPacketsPerFrame: cfg.MaxPacketsPerFrame,
	})

	publisher, err := telemetry.Connect(telemetry.Config{
		Broker:      cfg.MQTTBroker,
		ClientID:    cfg.MQTTClientID,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		StatusTopic: cfg.MQTTStatusTopic,
		PingTopic:   cfg.MQTTPingTopic,
		StatsTopic:  cfg.MQTTStatsTopic,
		Report: func() telemetry.Report {
			return telemetry.Report{
				Status:   st.Snapshot(),
				Frames:   frames.Stats(),
				Dispatch: dispatcher.Stats(),
			}
		},
	})
	if err != nil {
		log.Printf("Telemetry disabled: %v", err)
		publisher = telemetry.Disabled()
	}

	relay := hub.New(hub.Config{
		State:            st,
		CameraStartDelay: cfg.CameraStartDelay,
		Publisher:        publisher,
		Stream:           mjpeg.NewStream(),
	})

	// Bind both listeners before serving; either failing aborts startup.
	udpListener, err := udp.Listen(udp.Config{
		Address:     cfg.UDPAddr(),
		RcvBuf:      cfg.UDPRcvBuf,
		LogInterval: cfg.StatsInterval,
		Ingester:    frames,
	})
	if err != nil {
		log.Fatalf("Failed to start UDP listener: %v", err)
	}
	httpListener, err := net.Listen("tcp", cfg.HTTPAddr())
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.HTTPAddr(), err)
	}

	mux := http.NewServeMux()
	relay.Register(mux)
	mux.Handle("/detection_results", dispatch.NewCallbackHandler(relay))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	coordinator := shutdown.New(cfg.ShutdownGrace, func(code int) {
		publisher.Close()
		os.Exit(code)
	})
	coordinator.Add("http listener", httpListener)
	coordinator.Add("udp socket", udpListener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go frames.RunReaper(ctx, cfg.FrameTimeout)

	go func() {
		if err := udpListener.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("UDP listener stopped: %v", err)
		}
	}()

	go func() {
		log.Printf("Server is running @ http://localhost:%d", cfg.HTTPPort)
		if err := server.Serve(httpListener); err != nil && !coordinator.Draining() {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	coordinator.Watch(ctx)
}
