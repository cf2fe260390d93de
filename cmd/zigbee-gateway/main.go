package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-gateway/internal/core"
	"zigbee-gateway/internal/mqtt"
	"zigbee-gateway/internal/radio"
	"zigbee-gateway/internal/script"
	"zigbee-gateway/internal/store"
	"zigbee-gateway/internal/stream"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Radio struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"radio"`
	Core  core.Config `yaml:"core"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Stream struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"stream"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Radio.Port == "" {
		return fmt.Errorf("radio.port is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zigbee-gateway starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	r, err := radio.OpenSerial(cfg.Radio.Port, cfg.Radio.Baud, logger)
	if err != nil {
		logger.Error("open radio", "err", err)
		os.Exit(1)
	}
	defer r.Close()

	bus := core.NewEventBus(logger)
	saver := store.NewSaver(logger)

	gw := core.New(logger, cfg.Core, r, db, saver, bus)
	if err := gw.Load(); err != nil {
		logger.Error("load state", "err", err)
		os.Exit(1)
	}
	saver.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("core stopped", "err", err)
		}
	}()

	hub := stream.NewHub(bus, cfg.Stream.AllowedOrigins, logger)
	go hub.Run()

	httpServer := &http.Server{
		Addr:         cfg.Stream.Listen,
		Handler:      hub,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("event stream listening", "addr", cfg.Stream.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(bus, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("mqtt bridge", "err", err)
			os.Exit(1)
		}
		bridge.Start()
	}

	scripts := script.NewEngine(gw, bus, cfg.ScriptsDir, logger)
	scripts.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	scripts.Stop()
	if bridge != nil {
		bridge.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	hub.Stop()
	cancel()
	saver.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 115200
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zigbee-gateway.db"
	}
	if cfg.Stream.Listen == "" {
		cfg.Stream.Listen = "127.0.0.1:8081"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zigbee-gateway"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
