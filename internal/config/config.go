package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenGRC-Risk/internal/agent"
	"OpenGRC-Risk/internal/auth"
	"OpenGRC-Risk/pkg/logger"
)

// EnvPath names the environment variable that points at the config file.
const EnvPath = "RISK_CONFIG"

// DefaultPath is used when neither the flag nor EnvPath is set.
const DefaultPath = "configs/risk.yaml"

// Config is the root configuration of the risk service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      logger.Config  `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Events   EventsConfig   `yaml:"events"`
	Alerting AlertingConfig `yaml:"alerting"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Agents   AgentsConfig   `yaml:"agents"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	Mode string      `yaml:"mode"`
	Keys []APIKeyDef `yaml:"keys"`
}

// APIKeyDef declares one API key. SecretEnv names an environment variable
// holding the secret and takes precedence over Secret.
type APIKeyDef struct {
	Name        string   `yaml:"name"`
	Secret      string   `yaml:"secret"`
	SecretEnv   string   `yaml:"secret_env"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}

// ToAuth resolves secrets and converts the section into an auth.Config.
func (a AuthConfig) ToAuth() auth.Config {
	cfg := auth.Config{Mode: auth.Mode(a.Mode)}
	for _, k := range a.Keys {
		secret := k.Secret
		if k.SecretEnv != "" {
			secret = os.Getenv(k.SecretEnv)
		}
		cfg.Keys = append(cfg.Keys, auth.Key{
			Name:        k.Name,
			Secret:      secret,
			Permissions: append([]string(nil), k.Permissions...),
			Disabled:    k.Disabled,
		})
	}
	return cfg
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
	Redis  RedisConfig `yaml:"redis"`
}

// MySQLConfig holds the MySQL connection parameters.
type MySQLConfig struct {
	DSN                string `yaml:"dsn"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig is shared by every Redis-backed component.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Driver          string         `yaml:"driver"`
	Name            string         `yaml:"name"`
	Workers         int            `yaml:"workers"`
	Redis           RedisConfig    `yaml:"redis"`
	RabbitMQ        RabbitMQConfig `yaml:"rabbitmq"`
	BlockTimeoutSec int            `yaml:"block_timeout_seconds"`
}

// RabbitMQConfig holds AMQP connection settings.
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// EventsConfig selects where scored assessment events go.
type EventsConfig struct {
	Driver   string         `yaml:"driver"`
	Channel  string         `yaml:"channel"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// AlertingConfig lists alert channels beyond the log notifier.
type AlertingConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	WebhookTimeout int    `yaml:"webhook_timeout_seconds"`
}

// CatalogConfig points at the framework definitions.
type CatalogConfig struct {
	Dir string `yaml:"dir"`
}

// AgentsConfig groups the configured agents.
type AgentsConfig struct {
	RiskScoring AgentConfig `yaml:"risk_scoring"`
}

// AgentConfig mirrors agent.Config in file form.
type AgentConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	MaxRetries   *int   `yaml:"max_retries"`
	TimeoutMs    int    `yaml:"timeout_ms"`
	Enabled      *bool  `yaml:"enabled"`
	HistoryLimit int    `yaml:"history_limit"`
	BatchSize    int    `yaml:"batch_size"`
}

// ToAgent converts the file form into a validated agent.Config.
func (a AgentConfig) ToAgent() (agent.Config, error) {
	cfg := agent.DefaultConfig(a.Name)
	cfg.Description = a.Description
	if a.MaxRetries != nil {
		cfg.MaxRetries = *a.MaxRetries
	}
	if a.TimeoutMs != 0 {
		cfg.Timeout = time.Duration(a.TimeoutMs) * time.Millisecond
	}
	if a.Enabled != nil {
		cfg.Enabled = *a.Enabled
	}
	if a.HistoryLimit != 0 {
		cfg.HistoryLimit = a.HistoryLimit
	}
	if err := cfg.Validate(); err != nil {
		return agent.Config{}, err
	}
	return cfg, nil
}

// ResolvePath picks the flag value, then EnvPath, then DefaultPath.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load parses the YAML file at path and applies defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes content without applying defaults. Unknown keys are errors.
func Parse(content []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	for i, out := range c.Log.OutputPaths {
		c.Log.OutputPaths[i] = resolveFile(baseDir, out)
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" {
		c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = string(auth.ModeDisabled)
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.MySQL.MaxOpenConns == 0 {
		c.Store.MySQL.MaxOpenConns = 10
	}
	if c.Store.MySQL.MaxIdleConns == 0 {
		c.Store.MySQL.MaxIdleConns = 5
	}
	if c.Store.MySQL.ConnMaxLifetimeSec == 0 {
		c.Store.MySQL.ConnMaxLifetimeSec = 3600
	}
	if c.Store.Redis.Address == "" {
		c.Store.Redis.Address = "127.0.0.1:6379"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.BlockTimeoutSec <= 0 {
		c.Queue.BlockTimeoutSec = 5
	}
	if c.Queue.Redis.Address == "" {
		c.Queue.Redis.Address = c.Store.Redis.Address
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Redis.Address == "" {
		c.Events.Redis.Address = c.Store.Redis.Address
	}
	if c.Events.RabbitMQ.URL == "" {
		c.Events.RabbitMQ.URL = c.Queue.RabbitMQ.URL
	}

	if c.Alerting.WebhookTimeout <= 0 {
		c.Alerting.WebhookTimeout = 5
	}

	if c.Catalog.Dir == "" {
		c.Catalog.Dir = filepath.Join(baseDir, "frameworks")
	} else {
		c.Catalog.Dir = resolve(baseDir, c.Catalog.Dir)
	}

	if c.Agents.RiskScoring.Name == "" {
		c.Agents.RiskScoring.Name = "risk-scoring"
	}
	if c.Agents.RiskScoring.BatchSize <= 0 {
		c.Agents.RiskScoring.BatchSize = 100
	}
}

// Validate checks driver names and the agent section.
func (c *Config) Validate() error {
	if err := oneOf("auth.mode", c.Auth.Mode, string(auth.ModeDisabled), string(auth.ModeAPIKey)); err != nil {
		return err
	}
	if err := oneOf("store.driver", c.Store.Driver, "memory", "mysql", "redis"); err != nil {
		return err
	}
	if c.Store.Driver == "mysql" && strings.TrimSpace(c.Store.MySQL.DSN) == "" {
		return errors.New("store.mysql.dsn is required for the mysql driver")
	}
	if err := oneOf("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if c.Queue.Driver == "rabbitmq" && strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
		return errors.New("queue.rabbitmq.url is required for the rabbitmq driver")
	}
	if err := oneOf("events.driver", c.Events.Driver, "none", "redis", "rabbitmq"); err != nil {
		return err
	}
	if c.Events.Driver == "rabbitmq" && strings.TrimSpace(c.Events.RabbitMQ.URL) == "" {
		return errors.New("events.rabbitmq.url is required for the rabbitmq driver")
	}
	if _, err := c.Agents.RiskScoring.ToAgent(); err != nil {
		return err
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q (want one of %s)", field, value, strings.Join(allowed, ", "))
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// resolveFile leaves the stdout and stderr sinks untouched.
func resolveFile(baseDir, out string) string {
	switch strings.ToLower(strings.TrimSpace(out)) {
	case "", "stdout", "stderr":
		return out
	}
	return resolve(baseDir, out)
}
