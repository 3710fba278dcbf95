// Package main is the entry point for the S/MIME signing SMTP proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/smtp-smime-proxy/internal/config"
	"github.com/shineum/smtp-smime-proxy/internal/provider"
	"github.com/shineum/smtp-smime-proxy/internal/provider/graph"
	"github.com/shineum/smtp-smime-proxy/internal/provider/relay"
	"github.com/shineum/smtp-smime-proxy/internal/provider/ses"
	"github.com/shineum/smtp-smime-proxy/internal/provider/signing"
	"github.com/shineum/smtp-smime-proxy/internal/provider/stdout"
	"github.com/shineum/smtp-smime-proxy/internal/smime"
	"github.com/shineum/smtp-smime-proxy/internal/smtp"
	smtptls "github.com/shineum/smtp-smime-proxy/internal/tls"
)

const appName = "smtp-smime-proxy"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov, err := buildProvider(ctx, cfg)
	if err != nil {
		slog.Error("failed to configure provider", "error", err)
		os.Exit(1)
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxConnections: cfg.SMTP.MaxConnections,
	})

	slog.Info("starting "+appName,
		"listen", cfg.SMTP.Listen,
		"hostname", cfg.SMTP.Hostname,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"smime_enabled", cfg.SMIMEEnabled(),
		"tls_mode", tlsMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Blocks until ctx is cancelled.
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info(appName + " stopped")
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
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildProvider selects the delivery backend and, when a keystore is
// configured, puts the signing stage in front of it.
func buildProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.SMIMEEnabled() {
		slog.Info("no keystore configured, messages are forwarded unsigned")
		return prov, nil
	}
	return signing.New(prov, smime.Load(cfg.SMIMEProperties())), nil
}

// selectProvider chooses the email delivery backend based on configuration.
// An explicit provider wins; otherwise Graph, SES and the relay are tried in
// that order and stdout is the fallback.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "relay":
		if !cfg.RelayConfigured() {
			return nil, errors.New("relay provider selected but RELAY_HOST is required")
		}
		return newRelay(cfg)

	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("ses provider selected but SES_REGION and SES_SENDER are required")
		}
		return newSES(ctx, cfg)

	case "graph":
		if !cfg.GraphConfigured() {
			return nil, errors.New("graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
		}
		return newGraph(cfg), nil

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	case "":
		switch {
		case cfg.GraphConfigured():
			return newGraph(cfg), nil
		case cfg.SESConfigured():
			return newSES(ctx, cfg)
		case cfg.RelayConfigured():
			return newRelay(cfg)
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newRelay(cfg *config.Config) (provider.Provider, error) {
	slog.Info("using SMTP relay provider",
		"host", cfg.Relay.Host,
		"port", cfg.Relay.Port,
		"security", cfg.Relay.Security,
	)
	p, err := relay.New(relay.Config{
		Host:               cfg.Relay.Host,
		Port:               cfg.Relay.Port,
		Username:           cfg.Relay.Username,
		Password:           cfg.Relay.Password,
		Security:           cfg.Relay.Security,
		HELO:               cfg.Relay.HELO,
		InsecureSkipVerify: cfg.Relay.InsecureSkipVerify,
		Debug:              cfg.Relay.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create relay provider: %w", err)
	}
	return p, nil
}

func newSES(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
	)
	p, err := ses.New(ctx, ses.SESProviderConfig{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES provider: %w", err)
	}
	return p, nil
}

func newGraph(cfg *config.Config) provider.Provider {
	slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
	return graph.New(graph.GraphProviderConfig{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
	})
}
