// Package config resolves the relay's operating mode once at startup:
// environment variables first, with an optional YAML file as the base layer.
// The resulting Config is read, never mutated, by the rest of the program.
package config

import (
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/graph-mail-relay/internal/mailerr"
	"github.com/shineum/graph-mail-relay/internal/secret"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// OAuth2 grant flows.
const (
	FlowClientCredentials = "client_credentials"
	FlowDelegated         = "delegated"
)

// Legacy transports.
const (
	TransportSMTP   = "smtp"
	TransportSES    = "ses"
	TransportStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	OAuth2  OAuth2Config  `yaml:"oauth2"`
	Mail    MailConfig    `yaml:"mail"`
	SES     SESConfig     `yaml:"ses"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	clientSecret secret.Value
}

// SMTPConfig holds the SMTP submission listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// OAuth2Config controls token-authenticated delivery through Microsoft Graph.
// The client secret itself never appears here, only a reference to it.
type OAuth2Config struct {
	Enabled         bool          `yaml:"enabled"`
	Flow            string        `yaml:"flow"`
	TenantID        string        `yaml:"tenant_id"`
	ClientID        string        `yaml:"client_id"`
	ClientSecretRef string        `yaml:"client_secret_ref"`
	SenderEmail     string        `yaml:"sender_email"`
	TokenCacheFile  string        `yaml:"token_cache_file"`
	Authority       string        `yaml:"authority"`
	GraphURL        string        `yaml:"graph_url"`
	RefreshMargin   time.Duration `yaml:"refresh_margin"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	SaveToSentItems bool          `yaml:"save_to_sent_items"`
}

// MailConfig holds the suppression switch and the legacy transport settings.
type MailConfig struct {
	SuppressSend  bool   `yaml:"suppress_send"`
	Transport     string `yaml:"transport"`
	Server        string `yaml:"server"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	UseSSL        bool   `yaml:"use_ssl"`
	DefaultSender string `yaml:"default_sender"`
}

// SESConfig holds AWS SES settings for the legacy SES transport.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
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

// MetricsConfig holds the admin listener address. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Load builds the configuration from environment variables and defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads a YAML file as the base layer, then overrides with
// environment variables. Returns an error if the file does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mailerr.Configuration("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, mailerr.Configuration("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ClientSecret returns the resolved client secret. Empty unless OAuth2 is enabled.
func (c *Config) ClientSecret() secret.Value {
	return c.clientSecret
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// TokenURL is the identity provider's token endpoint for the configured tenant.
func (c *Config) TokenURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(c.OAuth2.Authority, "/"), c.OAuth2.TenantID)
}

// AuthURL is the authorization endpoint used by the interactive setup.
func (c *Config) AuthURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/authorize", strings.TrimRight(c.OAuth2.Authority, "/"), c.OAuth2.TenantID)
}

// SendMailURL is the Graph sendMail endpoint for the configured flow:
// /me/sendMail for delegated, /users/{sender}/sendMail for app-only.
func (c *Config) SendMailURL() string {
	base := strings.TrimRight(c.OAuth2.GraphURL, "/")
	if c.OAuth2.Flow == FlowDelegated {
		return base + "/me/sendMail"
	}
	return base + "/users/" + url.PathEscape(c.OAuth2.SenderEmail) + "/sendMail"
}

// applyDefaults sets default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize

	c.OAuth2.Flow = FlowClientCredentials
	c.OAuth2.ClientSecretRef = "env:MAIL_OAUTH2_CLIENT_SECRET"
	c.OAuth2.Authority = "https://login.microsoftonline.com"
	c.OAuth2.GraphURL = "https://graph.microsoft.com/v1.0"
	c.OAuth2.RefreshMargin = 5 * time.Minute
	c.OAuth2.MaxAttempts = 5
	c.OAuth2.BaseDelay = 1 * time.Second
	c.OAuth2.MaxDelay = 30 * time.Second
	c.OAuth2.HTTPTimeout = 30 * time.Second

	c.Mail.Port = 25

	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty variables override; malformed values are an error.
func (c *Config) applyEnvVars() error {
	e := &envReader{}

	e.str(&c.SMTP.Listen, "SMTP_LISTEN")
	e.str(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	e.str(&c.SMTP.Username, "SMTP_USERNAME")
	e.str(&c.SMTP.Password, "SMTP_PASSWORD")
	e.int64(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE")

	e.bool(&c.OAuth2.Enabled, "MAIL_OAUTH2_ENABLED")
	e.str(&c.OAuth2.Flow, "MAIL_OAUTH2_FLOW")
	e.str(&c.OAuth2.TenantID, "MAIL_OAUTH2_TENANT_ID")
	e.str(&c.OAuth2.ClientID, "MAIL_OAUTH2_CLIENT_ID")
	e.str(&c.OAuth2.ClientSecretRef, "MAIL_OAUTH2_CLIENT_SECRET_REF")
	e.str(&c.OAuth2.SenderEmail, "MAIL_OAUTH2_SENDER_EMAIL")
	e.str(&c.OAuth2.TokenCacheFile, "MAIL_OAUTH2_TOKEN_CACHE_FILE")
	e.str(&c.OAuth2.Authority, "MAIL_OAUTH2_AUTHORITY")
	e.str(&c.OAuth2.GraphURL, "MAIL_OAUTH2_GRAPH_URL")
	e.duration(&c.OAuth2.RefreshMargin, "MAIL_OAUTH2_REFRESH_MARGIN")
	e.int(&c.OAuth2.MaxAttempts, "MAIL_OAUTH2_MAX_ATTEMPTS")
	e.duration(&c.OAuth2.BaseDelay, "MAIL_OAUTH2_BASE_DELAY")
	e.duration(&c.OAuth2.MaxDelay, "MAIL_OAUTH2_MAX_DELAY")
	e.duration(&c.OAuth2.HTTPTimeout, "MAIL_OAUTH2_HTTP_TIMEOUT")
	e.bool(&c.OAuth2.SaveToSentItems, "MAIL_OAUTH2_SAVE_TO_SENT_ITEMS")

	e.bool(&c.Mail.SuppressSend, "MAIL_SUPPRESS_SEND")
	e.str(&c.Mail.Transport, "MAIL_TRANSPORT")
	e.str(&c.Mail.Server, "MAIL_SERVER")
	e.int(&c.Mail.Port, "MAIL_PORT")
	e.str(&c.Mail.Username, "MAIL_USERNAME")
	e.str(&c.Mail.Password, "MAIL_PASSWORD")
	e.bool(&c.Mail.UseSSL, "MAIL_USE_SSL")
	e.str(&c.Mail.DefaultSender, "MAIL_DEFAULT_SENDER")

	e.str(&c.SES.Region, "SES_REGION")
	e.str(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	e.str(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	e.str(&c.SES.Sender, "SES_SENDER")

	e.str(&c.TLS.CertFile, "TLS_CERT_FILE")
	e.str(&c.TLS.KeyFile, "TLS_KEY_FILE")

	e.str(&c.Logging.Level, "LOG_LEVEL")
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	e.str(&c.Metrics.Listen, "METRICS_LISTEN")

	if len(e.errs) > 0 {
		return mailerr.Configuration("invalid environment: %s", strings.Join(e.errs, "; "))
	}
	return nil
}

// finalize validates the configuration and resolves the client secret.
// With OAuth2 enabled, every failure here is fatal at startup.
func (c *Config) finalize() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !c.OAuth2.Enabled {
		return nil
	}

	v, err := secret.Resolve(c.OAuth2.ClientSecretRef)
	if err != nil {
		return mailerr.Configuration("MAIL_OAUTH2_ENABLED is true but the client secret (%s) could not be resolved: %w",
			secret.Describe(c.OAuth2.ClientSecretRef), err)
	}
	c.clientSecret = v
	return nil
}

// Validate checks cross-field constraints without touching secrets.
func (c *Config) Validate() error {
	switch c.Mail.Transport {
	case "", TransportStdout:
	case TransportSMTP:
		if c.Mail.Server == "" {
			return mailerr.Configuration("MAIL_TRANSPORT=smtp requires MAIL_SERVER")
		}
	case TransportSES:
		if !c.SESConfigured() {
			return mailerr.Configuration("MAIL_TRANSPORT=ses requires SES_REGION and SES_SENDER")
		}
	default:
		return mailerr.Configuration("unknown MAIL_TRANSPORT %q", c.Mail.Transport)
	}

	if !c.OAuth2.Enabled {
		return nil
	}

	required := []struct{ name, value string }{
		{"MAIL_OAUTH2_TENANT_ID", c.OAuth2.TenantID},
		{"MAIL_OAUTH2_CLIENT_ID", c.OAuth2.ClientID},
		{"MAIL_OAUTH2_CLIENT_SECRET_REF", c.OAuth2.ClientSecretRef},
		{"MAIL_OAUTH2_SENDER_EMAIL", c.OAuth2.SenderEmail},
	}
	for _, r := range required {
		if r.value == "" {
			return mailerr.Configuration("MAIL_OAUTH2_ENABLED is true but %s is empty", r.name)
		}
	}

	// The sender goes into the sendMail URL and the from field as is.
	if addr, err := mail.ParseAddress(c.OAuth2.SenderEmail); err != nil || addr.Address != c.OAuth2.SenderEmail {
		return mailerr.Configuration("MAIL_OAUTH2_SENDER_EMAIL must be a bare mailbox address, got %q", c.OAuth2.SenderEmail)
	}

	switch c.OAuth2.Flow {
	case FlowClientCredentials:
	case FlowDelegated:
		if c.OAuth2.TokenCacheFile == "" {
			return mailerr.Configuration("MAIL_OAUTH2_FLOW=%q requires MAIL_OAUTH2_TOKEN_CACHE_FILE", FlowDelegated)
		}
	default:
		return mailerr.Configuration("MAIL_OAUTH2_FLOW must be %q or %q, got %q",
			FlowClientCredentials, FlowDelegated, c.OAuth2.Flow)
	}

	if c.OAuth2.MaxAttempts < 1 {
		return mailerr.Configuration("MAIL_OAUTH2_MAX_ATTEMPTS must be at least 1, got %d", c.OAuth2.MaxAttempts)
	}
	if c.OAuth2.BaseDelay <= 0 || c.OAuth2.MaxDelay < c.OAuth2.BaseDelay {
		return mailerr.Configuration("retry delays must satisfy 0 < MAIL_OAUTH2_BASE_DELAY <= MAIL_OAUTH2_MAX_DELAY")
	}
	if c.OAuth2.RefreshMargin < 0 || c.OAuth2.HTTPTimeout <= 0 {
		return mailerr.Configuration("MAIL_OAUTH2_REFRESH_MARGIN must be >= 0 and MAIL_OAUTH2_HTTP_TIMEOUT > 0")
	}
	return nil
}

// envReader applies environment overrides and collects parse failures.
type envReader struct {
	errs []string
}

func (e *envReader) str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) bool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: not a boolean", key))
		return
	}
	*dst = b
}

func (e *envReader) int(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: not an integer", key))
		return
	}
	*dst = n
}

func (e *envReader) int64(dst *int64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: not an integer", key))
		return
	}
	*dst = n
}

func (e *envReader) duration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: not a duration", key))
		return
	}
	*dst = d
}
