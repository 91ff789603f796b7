// Package app assembles the bridge process: the SQLite store, the node name
// directory, the Matrix client, the bridge coordinator, and whichever mesh
// sources the configuration enables, with ordered startup and shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/meshbridge/common/redact"
	"github.com/bdobrica/meshbridge/common/version"
	"github.com/bdobrica/meshbridge/internal/bridge"
	"github.com/bdobrica/meshbridge/internal/config"
	"github.com/bdobrica/meshbridge/internal/matrix"
	"github.com/bdobrica/meshbridge/internal/mesh"
	"github.com/bdobrica/meshbridge/internal/observability"
	"github.com/bdobrica/meshbridge/internal/store"
)

// App owns every long-lived component of the bridge process.
type App struct {
	cfg    *config.Config
	store  *store.Store
	matrix *matrix.Client
	bridge *bridge.Bridge
	sink   *meshSink
	mqtt   *mesh.MQTTSource
	radio  *mesh.Radio
	health *HealthServer
}

// meshSink forwards bridge sends to the radio. It exists because the radio
// and the bridge reference each other: the radio feeds received packets to
// the bridge, the bridge sends outbound packets through the radio. Without a
// radio the bridge is receive-only and sends fail with ErrRadioUnavailable,
// which the coordinator logs and drops.
type meshSink struct {
	radio *mesh.Radio
}

func (s *meshSink) SendText(ctx context.Context, text string, channel, replyID uint32) (uint32, error) {
	if s.radio == nil {
		return 0, mesh.ErrRadioUnavailable
	}
	return s.radio.SendText(ctx, text, channel, replyID)
}

func (s *meshSink) SendTapback(ctx context.Context, target uint32, emoji string, channel uint32) (uint32, error) {
	if s.radio == nil {
		return 0, mesh.ErrRadioUnavailable
	}
	return s.radio.SendTapback(ctx, target, emoji, channel)
}

// New wires the application from its configuration. Nothing is connected
// yet; Run performs startup in dependency order.
func New(cfg *config.Config) (*App, error) {
	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.Info("starting meshbridge", "version", version.Version, "commit", version.GitCommit)
	slog.Info("configuration loaded", "config", redact.Map(cfg.Summary()))

	slog.Info("opening database", "path", cfg.NodeDBPath)
	st, err := store.New(cfg.NodeDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	mx, err := matrix.New(matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.User,
		Password:    cfg.Matrix.Password,
		AccessToken: cfg.Matrix.Token,
		Room:        cfg.Matrix.Room,
	}, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	sink := &meshSink{}
	br := bridge.New(bridge.Config{
		AllowedChannels: cfg.Meshtastic.Channels,
		DefaultChannel:  cfg.Meshtastic.ChannelIndex,
		MaxAge:          cfg.MaxAge(),
		MaxSize:         cfg.MessageMaxSize,
		CleanupInterval: cfg.CleanupInterval(),
	}, mx, sink, st, bridge.NewDirectory(st))
	mx.OnMessage = br.HandleMatrixMessage
	mx.OnReaction = br.HandleMatrixReaction

	a := &App{cfg: cfg, store: st, matrix: mx, bridge: br, sink: sink}

	if cfg.MQTTEnabled() {
		src, err := mesh.NewMQTTSource(mesh.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			Username: cfg.MQTT.User,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			UseTLS:   cfg.MQTT.UseTLS,
			PSK:      cfg.MQTT.PSK,
		}, br)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.mqtt = src
		slog.Info("mqtt source configured", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
	}

	if cfg.RadioEnabled() {
		radio, err := mesh.NewRadio(mesh.RadioConfig{
			Host: cfg.Meshtastic.Host,
			Port: cfg.Meshtastic.Port,
			PSK:  cfg.Meshtastic.ChannelPSK,
		}, br)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.radio = radio
		sink.radio = radio
		slog.Info("radio source configured", "host", cfg.Meshtastic.Host, "port", cfg.Meshtastic.Port)
	} else {
		slog.Warn("no radio configured; the bridge is receive-only and Matrix messages will not reach the mesh")
	}

	if cfg.HealthAddr != "" {
		probes := map[string]func() bool{}
		if a.mqtt != nil {
			probes["mqtt"] = a.mqtt.Connected
		}
		if a.radio != nil {
			probes["radio"] = a.radio.Connected
		}
		a.health = NewHealthServer(cfg.HealthAddr, st, probes)
		slog.Info("health server configured", "addr", cfg.HealthAddr)
	}

	return a, nil
}

// Run starts every component and blocks until SIGINT or SIGTERM. The bridge
// coordinator comes up first so recovered state is in place before any
// source delivers a packet; MQTT connects last because its first connection
// is decisive and the broker usually carries the most traffic.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	if a.radio != nil {
		if err := a.radio.Start(ctx); err != nil {
			return fmt.Errorf("failed to start radio: %w", err)
		}
	}

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	if a.mqtt != nil {
		if err := a.mqtt.Start(ctx); err != nil {
			return err
		}
	}

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("meshbridge is running; press Ctrl+C to stop",
		"room", a.matrix.RoomID(), "user", a.matrix.UserID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop tears the application down. Intake stops first (MQTT and the Matrix
// sync loop), then the coordinator drains in-flight handlers and flushes
// persistence while the radio is still up for outbound sends, and the store
// closes last.
func (a *App) Stop() {
	if a.mqtt != nil {
		a.mqtt.Stop()
	}
	a.matrix.Stop()
	a.bridge.Stop()
	if a.radio != nil {
		a.radio.Stop()
	}
	if a.health != nil {
		a.health.Stop()
	}
	slog.Info("closing database")
	a.store.Close()
}
