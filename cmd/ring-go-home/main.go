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

	"ring-go-home/internal/api"
	"ring-go-home/internal/poller"
	"ring-go-home/internal/realtime"
	"ring-go-home/internal/registry"
	"ring-go-home/internal/session"
	"ring-go-home/internal/store"
	"ring-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Ring struct {
		Username   string `yaml:"username"`
		Password   string `yaml:"password"`
		TwoFactor  bool   `yaml:"two_factor"`
		LocationID string `yaml:"location_id"`
		OAuthURL   string `yaml:"oauth_url"`
		APIURL     string `yaml:"api_url"`
		AppURL     string `yaml:"app_url"`
		SnapsURL   string `yaml:"snaps_url"`
		UserAgent  string `yaml:"user_agent"`
	} `yaml:"ring"`
	Realtime struct {
		Enabled          *bool         `yaml:"enabled"`
		WatchdogInterval time.Duration `yaml:"watchdog_interval"`
		SilenceTimeout   time.Duration `yaml:"silence_timeout"`
		BackoffBase      time.Duration `yaml:"backoff_base"`
		BackoffMax       time.Duration `yaml:"backoff_max"`
		FailureFloor     time.Duration `yaml:"failure_floor"`
	} `yaml:"realtime"`
	Polling struct {
		Enabled          *bool         `yaml:"enabled"`
		DingsInterval    time.Duration `yaml:"dings_interval"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	} `yaml:"polling"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Automation struct {
		ScriptsDir    string        `yaml:"scripts_dir"`
		ExecAllowlist []string      `yaml:"exec_allowlist"`
		ExecTimeout   time.Duration `yaml:"exec_timeout"`
	} `yaml:"automation"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
}

func (c *Config) validate() error {
	if (c.Ring.Username == "") != (c.Ring.Password == "") {
		return fmt.Errorf("ring.username and ring.password must be set together")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Realtime.BackoffBase > c.Realtime.BackoffMax {
		return fmt.Errorf("realtime.backoff_base (%s) exceeds realtime.backoff_max (%s)", c.Realtime.BackoffBase, c.Realtime.BackoffMax)
	}
	if c.Polling.DingsInterval < time.Second || c.Polling.SnapshotInterval < time.Second {
		return fmt.Errorf("polling intervals must be at least 1s")
	}
	return nil
}

func (c *Config) realtimeEnabled() bool { return c.Realtime.Enabled == nil || *c.Realtime.Enabled }
func (c *Config) pollingEnabled() bool  { return c.Polling.Enabled == nil || *c.Polling.Enabled }

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
	logger.Info("ring-go-home starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sess, err := session.Load(db, logger)
	if err != nil {
		logger.Error("load session", "err", err)
		os.Exit(1)
	}
	if sess.RefreshToken() == "" && cfg.Ring.Username == "" {
		logger.Error("no stored tokens; set ring.username and ring.password")
		os.Exit(1)
	}

	auth := session.NewAuthenticator(session.Config{
		TokenURL:   cfg.Ring.OAuthURL,
		SessionURL: cfg.Ring.APIURL + "/clients_api/session",
		Username:   cfg.Ring.Username,
		Password:   cfg.Ring.Password,
		TwoFactor:  cfg.Ring.TwoFactor,
		UserAgent:  cfg.Ring.UserAgent,
	}, sess, logger)
	defer auth.Stop()

	client := api.NewDispatcher(api.Hosts{
		API:   cfg.Ring.APIURL,
		App:   cfg.Ring.AppURL,
		Snaps: cfg.Ring.SnapsURL,
	}, sess, auth, logger, api.WithUserAgent(cfg.Ring.UserAgent))

	var locationID string
	if sel, err := db.GetLocation(); err == nil {
		locationID = sel.LocationID
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Warn("load location selection", "err", err)
	}
	if cfg.Ring.LocationID != "" {
		locationID = cfg.Ring.LocationID
	}

	events := registry.NewEventBus(logger)
	reg := registry.New(db, events, logger, registry.WithLocation(locationID))
	client.Handle(api.OpDings, reg.HandleDings)

	gateway := realtime.New(realtime.Config{
		Backoff: realtime.Backoff{
			Base:  cfg.Realtime.BackoffBase,
			Max:   cfg.Realtime.BackoffMax,
			Floor: cfg.Realtime.FailureFloor,
		},
		WatchdogInterval: cfg.Realtime.WatchdogInterval,
		SilenceTimeout:   cfg.Realtime.SilenceTimeout,
	}, client, reg, events, logger, realtime.WithLocation(reg.LocationID))
	ctrl := registry.NewController(reg, gateway, client, logger)

	poll := poller.New(poller.Config{
		DingsInterval:    cfg.Polling.DingsInterval,
		SnapshotInterval: cfg.Polling.SnapshotInterval,
	}, client, reg, db, logger)

	b := &bridge{
		cfg:     cfg,
		logger:  logger.With("component", "startup"),
		db:      db,
		sess:    sess,
		auth:    auth,
		client:  client,
		reg:     reg,
		gateway: gateway,
		poll:    poll,
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		b.run(runCtx)
	}()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(reg, ctrl, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithSession(sess, b.login),
		web.WithGateway(gateway),
		web.WithLocations(client),
		web.WithCloud(client),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(reg, ctrl, db, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(reg, ctrl, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	stopRun()
	<-runDone
	b.stop()
	client.Wait()

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
	if cfg.Ring.OAuthURL == "" {
		cfg.Ring.OAuthURL = "https://oauth.ring.com/oauth/token"
	}
	if cfg.Ring.APIURL == "" {
		cfg.Ring.APIURL = api.DefaultHosts.API
	}
	if cfg.Ring.AppURL == "" {
		cfg.Ring.AppURL = api.DefaultHosts.App
	}
	if cfg.Ring.SnapsURL == "" {
		cfg.Ring.SnapsURL = api.DefaultHosts.Snaps
	}
	if cfg.Ring.UserAgent == "" {
		cfg.Ring.UserAgent = "android:com.ringapp"
	}
	if cfg.Realtime.WatchdogInterval == 0 {
		cfg.Realtime.WatchdogInterval = 5 * time.Minute
	}
	if cfg.Realtime.SilenceTimeout == 0 {
		cfg.Realtime.SilenceTimeout = 5 * time.Minute
	}
	if cfg.Realtime.BackoffBase == 0 {
		cfg.Realtime.BackoffBase = 2 * time.Second
	}
	if cfg.Realtime.BackoffMax == 0 {
		cfg.Realtime.BackoffMax = 30 * time.Minute
	}
	if cfg.Realtime.FailureFloor == 0 {
		cfg.Realtime.FailureFloor = 15 * time.Minute
	}
	if cfg.Polling.DingsInterval == 0 {
		cfg.Polling.DingsInterval = 90 * time.Second
	}
	if cfg.Polling.SnapshotInterval == 0 {
		cfg.Polling.SnapshotInterval = 10 * time.Minute
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "ring-home.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "ring"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.Automation.ExecTimeout == 0 {
		cfg.Automation.ExecTimeout = 10 * time.Second
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
