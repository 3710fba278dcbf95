// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP proxy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-smime-proxy/internal/smime"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Relay    RelayConfig   `yaml:"relay"`
	SES      SESConfig     `yaml:"ses"`
	Graph    GraphConfig   `yaml:"graph"`
	SMIME    SMIMEConfig   `yaml:"smime"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxConnections int    `yaml:"max_connections"`
}

// RelayConfig holds the upstream SMTP relay settings.
type RelayConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	Security           string `yaml:"security"`
	HELO               string `yaml:"helo"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	Debug              bool   `yaml:"debug"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SMIMEConfig locates the signing keystore. Passwords maps an identity or
// its local part to the password of that identity's key.
type SMIMEConfig struct {
	KeystoreFile     string            `yaml:"keystore_file"`
	KeystorePassword string            `yaml:"keystore_password"`
	KeystoreType     string            `yaml:"keystore_type"`
	Passwords        map[string]string `yaml:"passwords"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()
	cfg.Provider = strings.ToLower(cfg.Provider)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no provider could run with.
func (c *Config) Validate() error {
	switch c.Provider {
	case "", "relay", "ses", "graph", "stdout":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	switch strings.ToLower(c.Relay.Security) {
	case "", "none", "starttls", "tls":
	default:
		return fmt.Errorf("unknown relay security %q (want none, starttls or tls)", c.Relay.Security)
	}
	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay port %d out of range", c.Relay.Port)
	}
	return nil
}

// RelayConfigured returns true if an upstream relay host is set.
func (c *Config) RelayConfigured() bool {
	return c.Relay.Host != ""
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// SMIMEEnabled reports whether a keystore is configured. Loading may still
// fail; the signer then passes every message through.
func (c *Config) SMIMEEnabled() bool {
	return strings.TrimSpace(c.SMIME.KeystoreFile) != ""
}

// SMIMEProperties renders the S/MIME section as the signer's flat property
// set. Password keys are lowercased.
func (c *Config) SMIMEProperties() smime.Properties {
	props := smime.Properties{}
	if c.SMIME.KeystoreFile != "" {
		props[smime.PropKeystoreFile] = c.SMIME.KeystoreFile
	}
	if c.SMIME.KeystorePassword != "" {
		props[smime.PropKeystorePassword] = c.SMIME.KeystorePassword
	}
	if c.SMIME.KeystoreType != "" {
		props[smime.PropKeystoreType] = c.SMIME.KeystoreType
	}
	for name, password := range c.SMIME.Passwords {
		props[smime.PasswordProperty(name)] = password
	}
	return props
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Relay.Security = "starttls"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	setInt(&c.SMTP.MaxConnections, "SMTP_MAX_CONNECTIONS")

	setString(&c.Relay.Host, "RELAY_HOST")
	setInt(&c.Relay.Port, "RELAY_PORT")
	setString(&c.Relay.Username, "RELAY_USERNAME")
	setString(&c.Relay.Password, "RELAY_PASSWORD")
	if v := os.Getenv("RELAY_SECURITY"); v != "" {
		c.Relay.Security = strings.ToLower(v)
	}
	setString(&c.Relay.HELO, "RELAY_HELO")
	setBool(&c.Relay.InsecureSkipVerify, "RELAY_INSECURE_SKIP_VERIFY")
	setBool(&c.Relay.Debug, "RELAY_DEBUG")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setString(&c.SMIME.KeystoreFile, "SMIME_KEYSTORE_FILE")
	setString(&c.SMIME.KeystorePassword, "SMIME_KEYSTORE_PASSWORD")
	setString(&c.SMIME.KeystoreType, "SMIME_KEYSTORE_TYPE")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// setInt ignores values that are not integers.
func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setBool ignores values strconv.ParseBool does not accept.
func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
