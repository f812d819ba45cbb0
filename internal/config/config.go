// Package config loads the mesh bridge's configuration from a YAML
// file overlaid with environment variables, with environment variables
// taking precedence. Load returns an error if the file cannot be read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/aegis-home/meshbridge/internal/errors"
)

type MeshConfig struct {
	DevicePath           string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     float64
	MessageTimeout       time.Duration
}

type SecureConfig struct {
	IdentityPath     string
	StoragePath      string
	AnnounceInterval time.Duration
}

type AlertConfig struct {
	EscalationTickInterval time.Duration
	MaxRetries             int
	RoutingRulesPath       string
}

type ISPConfig struct {
	CheckInterval   time.Duration
	CheckHosts      []string
	FailedThreshold int
	DialTimeout     time.Duration
}

type NotifyConfig struct {
	SlackWebhookURL string
}

type RelayConfig struct {
	RedisAddr     string
	DedupCapacity int
}

type QueueConfig struct {
	MaxSize         int
	BatchSize       int
	FlushInterval   time.Duration
	PersistencePath string
}

type ServerConfig struct {
	WebhookPort string
	MetricsPort string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type Config struct {
	Mesh    MeshConfig
	Secure  SecureConfig
	Alert   AlertConfig
	ISP     ISPConfig
	Queue   QueueConfig
	Server  ServerConfig
	Logging LoggingConfig
	Notify  NotifyConfig
	Relay   RelayConfig
}

// rawConfig mirrors Config but with durations as strings, since
// gopkg.in/yaml.v3 cannot unmarshal "30s" directly into time.Duration.
type rawConfig struct {
	Mesh struct {
		DevicePath           string  `yaml:"device_path"`
		ReconnectDelay       string  `yaml:"reconnect_delay"`
		MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
		ReconnectBackoff     float64 `yaml:"reconnect_backoff"`
		MessageTimeout       string  `yaml:"message_timeout"`
	} `yaml:"mesh"`
	Secure struct {
		IdentityPath     string `yaml:"identity_path"`
		StoragePath      string `yaml:"storage_path"`
		AnnounceInterval string `yaml:"announce_interval"`
	} `yaml:"secure"`
	Alert struct {
		EscalationTickInterval string `yaml:"escalation_tick_interval"`
		MaxRetries             int    `yaml:"max_retries"`
		RoutingRulesPath       string `yaml:"routing_rules_path"`
	} `yaml:"alert"`
	ISP struct {
		CheckInterval   string   `yaml:"check_interval"`
		CheckHosts      []string `yaml:"check_hosts"`
		FailedThreshold int      `yaml:"failed_threshold"`
		DialTimeout     string   `yaml:"dial_timeout"`
	} `yaml:"isp"`
	Notify struct {
		SlackWebhookURL string `yaml:"slack_webhook_url"`
	} `yaml:"notify"`
	Relay struct {
		RedisAddr     string `yaml:"redis_addr"`
		DedupCapacity int    `yaml:"dedup_capacity"`
	} `yaml:"relay"`
	Queue struct {
		MaxSize         int    `yaml:"max_size"`
		BatchSize       int    `yaml:"batch_size"`
		FlushInterval   string `yaml:"flush_interval"`
		PersistencePath string `yaml:"persistence_path"`
	} `yaml:"queue"`
	Server struct {
		WebhookPort string `yaml:"webhook_port"`
		MetricsPort string `yaml:"metrics_port"`
	} `yaml:"server"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns the configuration with every default listed in
// spec section 4 applied.
func Default() *Config {
	return &Config{
		Mesh: MeshConfig{
			DevicePath:           "/dev/ttyUSB0",
			ReconnectDelay:       5 * time.Second,
			MaxReconnectAttempts: 10,
			ReconnectBackoff:     1.5,
			MessageTimeout:       30 * time.Second,
		},
		Secure: SecureConfig{
			IdentityPath:     "./data/secure/identity",
			StoragePath:      "./data/secure/storage",
			AnnounceInterval: 300 * time.Second,
		},
		Alert: AlertConfig{
			EscalationTickInterval: 30 * time.Second,
			MaxRetries:             3,
		},
		ISP: ISPConfig{
			CheckInterval:   60 * time.Second,
			CheckHosts:      []string{"8.8.8.8:53", "1.1.1.1:53"},
			FailedThreshold: 3,
			DialTimeout:     5 * time.Second,
		},
		Queue: QueueConfig{
			MaxSize:         1000,
			BatchSize:       10,
			FlushInterval:   1 * time.Second,
			PersistencePath: "./data/queue",
		},
		Server: ServerConfig{
			WebhookPort: "8080",
			MetricsPort: "9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Relay: RelayConfig{
			DedupCapacity: 1000,
		},
	}
}

// Load reads path (a YAML file), overlays it onto the defaults,
// applies the environment variable overlay, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "failed to read config file: %s", path)
	}

	cfg := Default()
	if err := applyYAML(cfg, data); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "failed to parse config file: %s", path)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to apply environment overrides")
	}

	if err := validate(cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid configuration")
	}
	return cfg, nil
}

func applyYAML(cfg *Config, data []byte) error {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Mesh.DevicePath != "" {
		cfg.Mesh.DevicePath = raw.Mesh.DevicePath
	}
	if raw.Mesh.ReconnectDelay != "" {
		d, err := time.ParseDuration(raw.Mesh.ReconnectDelay)
		if err != nil {
			return fmt.Errorf("mesh.reconnect_delay: %w", err)
		}
		cfg.Mesh.ReconnectDelay = d
	}
	if raw.Mesh.MaxReconnectAttempts != 0 {
		cfg.Mesh.MaxReconnectAttempts = raw.Mesh.MaxReconnectAttempts
	}
	if raw.Mesh.ReconnectBackoff != 0 {
		cfg.Mesh.ReconnectBackoff = raw.Mesh.ReconnectBackoff
	}
	if raw.Mesh.MessageTimeout != "" {
		d, err := time.ParseDuration(raw.Mesh.MessageTimeout)
		if err != nil {
			return fmt.Errorf("mesh.message_timeout: %w", err)
		}
		cfg.Mesh.MessageTimeout = d
	}

	if raw.Secure.IdentityPath != "" {
		cfg.Secure.IdentityPath = raw.Secure.IdentityPath
	}
	if raw.Secure.StoragePath != "" {
		cfg.Secure.StoragePath = raw.Secure.StoragePath
	}
	if raw.Secure.AnnounceInterval != "" {
		d, err := time.ParseDuration(raw.Secure.AnnounceInterval)
		if err != nil {
			return fmt.Errorf("secure.announce_interval: %w", err)
		}
		cfg.Secure.AnnounceInterval = d
	}

	if raw.Alert.EscalationTickInterval != "" {
		d, err := time.ParseDuration(raw.Alert.EscalationTickInterval)
		if err != nil {
			return fmt.Errorf("alert.escalation_tick_interval: %w", err)
		}
		cfg.Alert.EscalationTickInterval = d
	}
	if raw.Alert.MaxRetries != 0 {
		cfg.Alert.MaxRetries = raw.Alert.MaxRetries
	}
	if raw.Alert.RoutingRulesPath != "" {
		cfg.Alert.RoutingRulesPath = raw.Alert.RoutingRulesPath
	}

	if raw.ISP.CheckInterval != "" {
		d, err := time.ParseDuration(raw.ISP.CheckInterval)
		if err != nil {
			return fmt.Errorf("isp.check_interval: %w", err)
		}
		cfg.ISP.CheckInterval = d
	}
	if len(raw.ISP.CheckHosts) > 0 {
		cfg.ISP.CheckHosts = raw.ISP.CheckHosts
	}
	if raw.ISP.FailedThreshold != 0 {
		cfg.ISP.FailedThreshold = raw.ISP.FailedThreshold
	}
	if raw.ISP.DialTimeout != "" {
		d, err := time.ParseDuration(raw.ISP.DialTimeout)
		if err != nil {
			return fmt.Errorf("isp.dial_timeout: %w", err)
		}
		cfg.ISP.DialTimeout = d
	}

	if raw.Notify.SlackWebhookURL != "" {
		cfg.Notify.SlackWebhookURL = raw.Notify.SlackWebhookURL
	}

	if raw.Relay.RedisAddr != "" {
		cfg.Relay.RedisAddr = raw.Relay.RedisAddr
	}
	if raw.Relay.DedupCapacity != 0 {
		cfg.Relay.DedupCapacity = raw.Relay.DedupCapacity
	}

	if raw.Queue.MaxSize != 0 {
		cfg.Queue.MaxSize = raw.Queue.MaxSize
	}
	if raw.Queue.BatchSize != 0 {
		cfg.Queue.BatchSize = raw.Queue.BatchSize
	}
	if raw.Queue.FlushInterval != "" {
		d, err := time.ParseDuration(raw.Queue.FlushInterval)
		if err != nil {
			return fmt.Errorf("queue.flush_interval: %w", err)
		}
		cfg.Queue.FlushInterval = d
	}
	if raw.Queue.PersistencePath != "" {
		cfg.Queue.PersistencePath = raw.Queue.PersistencePath
	}

	if raw.Server.WebhookPort != "" {
		cfg.Server.WebhookPort = raw.Server.WebhookPort
	}
	if raw.Server.MetricsPort != "" {
		cfg.Server.MetricsPort = raw.Server.MetricsPort
	}

	if raw.Logging.Level != "" {
		cfg.Logging.Level = raw.Logging.Level
	}
	if raw.Logging.Format != "" {
		cfg.Logging.Format = raw.Logging.Format
	}
	return nil
}

// loadFromEnv overlays every variable named in the spec's environment
// configuration table onto cfg, taking precedence over YAML values.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("MESH_DEVICE_PATH"); v != "" {
		cfg.Mesh.DevicePath = v
	}
	if v := os.Getenv("MESH_RECONNECT_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MESH_RECONNECT_DELAY: %w", err)
		}
		cfg.Mesh.ReconnectDelay = d
	}
	if v := os.Getenv("MESH_MAX_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MESH_MAX_RECONNECT_ATTEMPTS: %w", err)
		}
		cfg.Mesh.MaxReconnectAttempts = n
	}
	if v := os.Getenv("MESH_RECONNECT_BACKOFF"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MESH_RECONNECT_BACKOFF: %w", err)
		}
		cfg.Mesh.ReconnectBackoff = f
	}
	if v := os.Getenv("MESH_MESSAGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MESH_MESSAGE_TIMEOUT: %w", err)
		}
		cfg.Mesh.MessageTimeout = d
	}
	if v := os.Getenv("SECURE_IDENTITY_PATH"); v != "" {
		cfg.Secure.IdentityPath = v
	}
	if v := os.Getenv("SECURE_STORAGE_PATH"); v != "" {
		cfg.Secure.StoragePath = v
	}
	if v := os.Getenv("SECURE_ANNOUNCE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SECURE_ANNOUNCE_INTERVAL: %w", err)
		}
		cfg.Secure.AnnounceInterval = d
	}
	if v := os.Getenv("ALERT_ESCALATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ALERT_ESCALATION_TIMEOUT: %w", err)
		}
		cfg.Alert.EscalationTickInterval = d
	}
	if v := os.Getenv("ALERT_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ALERT_MAX_RETRIES: %w", err)
		}
		cfg.Alert.MaxRetries = n
	}
	if v := os.Getenv("ISP_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ISP_CHECK_INTERVAL: %w", err)
		}
		cfg.ISP.CheckInterval = d
	}
	if v := os.Getenv("ISP_CHECK_HOSTS"); v != "" {
		cfg.ISP.CheckHosts = strings.Split(v, ",")
	}
	if v := os.Getenv("QUEUE_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QUEUE_MAX_SIZE: %w", err)
		}
		cfg.Queue.MaxSize = n
	}
	if v := os.Getenv("QUEUE_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QUEUE_BATCH_SIZE: %w", err)
		}
		cfg.Queue.BatchSize = n
	}
	if v := os.Getenv("QUEUE_FLUSH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("QUEUE_FLUSH_INTERVAL: %w", err)
		}
		cfg.Queue.FlushInterval = d
	}
	if v := os.Getenv("QUEUE_PERSISTENCE_PATH"); v != "" {
		cfg.Queue.PersistencePath = v
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		cfg.Server.WebhookPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALERT_ROUTING_RULES_PATH"); v != "" {
		cfg.Alert.RoutingRulesPath = v
	}
	if v := os.Getenv("ISP_FAILED_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ISP_FAILED_THRESHOLD: %w", err)
		}
		cfg.ISP.FailedThreshold = n
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.SlackWebhookURL = v
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		cfg.Relay.RedisAddr = v
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Queue.PersistencePath == "" {
		return fmt.Errorf("queue persistence path is required")
	}
	if err := os.MkdirAll(cfg.Queue.PersistencePath, 0o755); err != nil {
		return fmt.Errorf("queue persistence path cannot be created: %w", err)
	}
	if cfg.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue max size must be greater than 0")
	}
	if cfg.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue batch size must be greater than 0")
	}
	if cfg.Mesh.MaxReconnectAttempts < 0 {
		return fmt.Errorf("mesh max reconnect attempts must not be negative")
	}
	if cfg.Alert.MaxRetries < 0 {
		return fmt.Errorf("alert max retries must not be negative")
	}
	if len(cfg.ISP.CheckHosts) == 0 {
		return fmt.Errorf("at least one ISP check host is required")
	}
	return nil
}
