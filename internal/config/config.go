// Package config provides YAML configuration loading with environment
// variable overrides for the notification gateway, and builds the validated
// route table the dispatcher runs against.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/YoRyan/mailrise/internal/notify"
	"github.com/YoRyan/mailrise/internal/router"
	"github.com/YoRyan/mailrise/internal/template"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultTitleTemplate and defaultBodyTemplate apply to routes that do not
// set their own.
const (
	defaultTitleTemplate = "$subject ($from)"
	defaultBodyTemplate  = "$body"
)

// Config holds the complete application configuration.
type Config struct {
	Listen          string        `yaml:"listen"`
	Hostname        string        `yaml:"hostname"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	DefaultDomain   string        `yaml:"default_domain"`
	DefaultSeverity string        `yaml:"default_severity"`
	SinkTimeout     string        `yaml:"sink_timeout"`
	Auth            AuthConfig    `yaml:"auth"`
	TLS             TLSConfig     `yaml:"tls"`
	Logging         LoggingConfig `yaml:"logging"`
	SES             SESConfig     `yaml:"ses"`
	Routes          []RouteConfig `yaml:"routes"`
}

// AuthConfig holds SMTP AUTH credentials.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TLSConfig holds the TLS operating mode and certificate file paths.
type TLSConfig struct {
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SESConfig holds AWS SES sink credentials.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// RouteConfig is one routing rule as written in the configuration file.
// The order of the routes list is part of the routing contract: rules are
// matched first-to-last.
type RouteConfig struct {
	Pattern       string   `yaml:"pattern"`
	Targets       []string `yaml:"targets"`
	TitleTemplate string   `yaml:"title_template"`
	BodyTemplate  string   `yaml:"body_template"`
	BodyFormat    string   `yaml:"body_format"`
	BodyPattern   string   `yaml:"body_pattern"`
}

// Load loads configuration from environment variables with sensible
// defaults. Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer, then
// overrides with environment variables. Returns an error if the specified
// file path does not exist.
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

	return cfg, nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.Auth.Username != "" && c.Auth.Password != ""
}

// SESConfigured returns true if the SES sink has the settings it needs.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// Severity returns the configured default notification severity.
func (c *Config) Severity() (notify.Severity, error) {
	severity, ok := notify.ParseSeverity(c.DefaultSeverity)
	if !ok {
		return "", fmt.Errorf("invalid default severity %q", c.DefaultSeverity)
	}
	return severity, nil
}

// BuildTable validates the configured routes and compiles them into a route
// table. All template and pattern errors surface here, at load time, rather
// than when the first message arrives.
func (c *Config) BuildTable() (*router.Table, error) {
	if len(c.Routes) == 0 {
		return nil, errors.New("no notification routes configured")
	}

	rules := make([]*router.Rule, 0, len(c.Routes))
	for i, rc := range c.Routes {
		rule, err := c.buildRule(rc)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return router.NewTable(c.DefaultDomain, rules), nil
}

func (c *Config) buildRule(rc RouteConfig) (*router.Rule, error) {
	if rc.Pattern == "" {
		return nil, errors.New("missing pattern")
	}
	rule, err := router.NewRule(rc.Pattern, c.DefaultDomain)
	if err != nil {
		return nil, err
	}

	if len(rc.Targets) == 0 {
		return nil, fmt.Errorf("pattern %q: no targets", rc.Pattern)
	}
	rule.Targets = append([]string(nil), rc.Targets...)

	rule.TitleTemplate = rc.TitleTemplate
	if rule.TitleTemplate == "" {
		rule.TitleTemplate = defaultTitleTemplate
	}
	rule.BodyTemplate = rc.BodyTemplate
	if rule.BodyTemplate == "" {
		rule.BodyTemplate = defaultBodyTemplate
	}
	if err := template.Validate(rule.TitleTemplate); err != nil {
		return nil, fmt.Errorf("pattern %q: title template: %w", rc.Pattern, err)
	}
	if err := template.Validate(rule.BodyTemplate); err != nil {
		return nil, fmt.Errorf("pattern %q: body template: %w", rc.Pattern, err)
	}

	if rc.BodyFormat != "" {
		format, ok := notify.ParseFormat(rc.BodyFormat)
		if !ok {
			return nil, fmt.Errorf("pattern %q: invalid body format %q", rc.Pattern, rc.BodyFormat)
		}
		rule.BodyFormat = format
	}

	if rc.BodyPattern != "" {
		re, err := regexp.Compile("(?im)" + rc.BodyPattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: body pattern: %w", rc.Pattern, err)
		}
		rule.BodyPattern = re
	}

	return rule, nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Listen = ":8025"
	c.MaxMessageSize = defaultMaxMessageSize
	c.DefaultDomain = "mailrise.xyz"
	c.DefaultSeverity = "info"
	c.SinkTimeout = "30s"
	c.TLS.Mode = "off"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MAILRISE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("MAILRISE_HOSTNAME"); v != "" {
		c.Hostname = v
	}
	if v := os.Getenv("MAILRISE_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxMessageSize = size
		}
	}
	if v := os.Getenv("MAILRISE_DEFAULT_DOMAIN"); v != "" {
		c.DefaultDomain = v
	}
	if v := os.Getenv("MAILRISE_DEFAULT_SEVERITY"); v != "" {
		c.DefaultSeverity = strings.ToLower(v)
	}
	if v := os.Getenv("MAILRISE_SINK_TIMEOUT"); v != "" {
		c.SinkTimeout = v
	}
	if v := os.Getenv("MAILRISE_USERNAME"); v != "" {
		c.Auth.Username = v
	}
	if v := os.Getenv("MAILRISE_PASSWORD"); v != "" {
		c.Auth.Password = v
	}

	if v := os.Getenv("TLS_MODE"); v != "" {
		c.TLS.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
