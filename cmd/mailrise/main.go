// Package main is the entry point for the mailrise notification gateway.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/YoRyan/mailrise/internal/config"
	"github.com/YoRyan/mailrise/internal/dispatch"
	"github.com/YoRyan/mailrise/internal/sink"
	sessink "github.com/YoRyan/mailrise/internal/sink/ses"
	"github.com/YoRyan/mailrise/internal/sink/stdout"
	"github.com/YoRyan/mailrise/internal/sink/webhook"
	"github.com/YoRyan/mailrise/internal/smtp"
	mailrisetls "github.com/YoRyan/mailrise/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	tlsMode, err := mailrisetls.ParseMode(cfg.TLS.Mode)
	if err != nil {
		slog.Error("failed to parse TLS mode", "error", err)
		os.Exit(1)
	}
	tlsConfig, err := mailrisetls.Setup(tlsMode, cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	severity, err := cfg.Severity()
	if err != nil {
		slog.Error("invalid default severity", "error", err)
		os.Exit(1)
	}

	sinkTimeout, err := time.ParseDuration(cfg.SinkTimeout)
	if err != nil {
		slog.Error("invalid sink timeout", "error", err)
		os.Exit(1)
	}

	// Compile the routing rules up front so configuration errors surface
	// before the listener opens.
	table, err := cfg.BuildTable()
	if err != nil {
		slog.Error("failed to build route table", "error", err)
		os.Exit(1)
	}

	mux, err := buildSinks(cfg, sinkTimeout)
	if err != nil {
		slog.Error("failed to configure notification sinks", "error", err)
		os.Exit(1)
	}
	for _, rule := range table.Rules() {
		for _, target := range rule.Targets {
			if err := mux.Validate(target); err != nil {
				slog.Error("invalid notification target",
					"pattern", rule.Pattern,
					"target", target,
					"error", err,
				)
				os.Exit(1)
			}
		}
	}

	orch := dispatch.New(table, mux, severity)

	// Create SMTP server
	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.Listen,
		Hostname:       cfg.Hostname,
		MaxMessageSize: cfg.MaxMessageSize,
		Orchestrator:   orch,
		TLSConfig:      tlsConfig,
		TLSMode:        tlsMode,
		AuthUsername:   cfg.Auth.Username,
		AuthPassword:   cfg.Auth.Password,
	})

	slog.Info("starting mailrise",
		"listen", cfg.Listen,
		"routes", table.Len(),
		"default_domain", cfg.DefaultDomain,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", string(tlsMode),
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// SIGHUP reloads the configuration file and swaps in a fresh route
	// table. A reload failure keeps the previous rules in place.
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)

	go func() {
		for range reloadCh {
			newCfg, err := loadConfig(*configPath)
			if err != nil {
				slog.Error("reload failed: could not load configuration", "error", err)
				continue
			}
			newTable, err := newCfg.BuildTable()
			if err != nil {
				slog.Error("reload failed: could not build route table", "error", err)
				continue
			}
			valid := true
			for _, rule := range newTable.Rules() {
				for _, target := range rule.Targets {
					if err := mux.Validate(target); err != nil {
						slog.Error("reload failed: invalid notification target",
							"pattern", rule.Pattern,
							"target", target,
							"error", err,
						)
						valid = false
					}
				}
			}
			if !valid {
				continue
			}
			orch.ReplaceTable(newTable)
			slog.Info("configuration reloaded", "routes", newTable.Len())
		}
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailrise stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// buildSinks registers every delivery backend the configuration enables.
// Webhook and stdout sinks need no credentials and are always available;
// the SES sink is registered only when its settings are present.
func buildSinks(cfg *config.Config, timeout time.Duration) (*sink.Mux, error) {
	mux := sink.NewMux(timeout)

	hook := webhook.New()
	mux.Register("json", hook)
	mux.Register("jsons", hook)
	mux.Register("stdout", stdout.New())

	if cfg.SESConfigured() {
		s, err := sessink.New(context.Background(), sessink.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, err
		}
		mux.Register("ses", s)
		slog.Info("SES sink enabled", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
	}

	return mux, nil
}
