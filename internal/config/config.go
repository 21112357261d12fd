// Package config handles configuration loading from YAML files, environment
// variables and command line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for photosync.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Library   LibraryConfig   `mapstructure:"library"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Transport TransportConfig `mapstructure:"transport"`
	Status    StatusConfig    `mapstructure:"status"`
	Receiver  ReceiverConfig  `mapstructure:"receiver"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the agent's local control API configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DiscoveryConfig holds multicast service discovery settings.
type DiscoveryConfig struct {
	ServiceType  string        `mapstructure:"service_type"`
	Instance     string        `mapstructure:"instance"`
	BrowseWindow time.Duration `mapstructure:"browse_window"`
	SetupRetries int           `mapstructure:"setup_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// LibraryConfig describes the photo library the agent reads from.
type LibraryConfig struct {
	Root           string `mapstructure:"root"`
	ExcludePending bool   `mapstructure:"exclude_pending"`
}

// TransferConfig holds upload pipeline settings.
type TransferConfig struct {
	// RateLimit caps uploads per second. Zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// TransportConfig holds the shared HTTP client settings.
type TransportConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
}

// StatusConfig holds status log settings.
type StatusConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// ReceiverConfig holds the companion server configuration.
type ReceiverConfig struct {
	Port      int    `mapstructure:"port"`
	UploadDir string `mapstructure:"upload_dir"`
	Advertise bool   `mapstructure:"advertise"`
}

// RabbitMQConfig holds RabbitMQ connection configuration. An empty URL
// disables status publishing.
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from files, environment variables and, when
// flags is non-nil, command line flags. An explicit configFile must exist.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("photosync")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/photosync/")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found; use defaults and env vars
	}

	v.SetEnvPrefix("PHOTOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"library":      "library.root",
	"port":         "server.port",
	"service-type": "discovery.service_type",
	"rate-limit":   "transfer.rate_limit",
	"upload-dir":   "receiver.upload_dir",
	"listen-port":  "receiver.port",
	"log-level":    "logging.level",
	"log-format":   "logging.format",
	"log-file":     "logging.file",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Status.Capacity <= 0 {
		return fmt.Errorf("status.capacity must be positive, got %d", c.Status.Capacity)
	}
	if c.Transfer.RateLimit < 0 {
		return fmt.Errorf("transfer.rate_limit must not be negative, got %v", c.Transfer.RateLimit)
	}
	if c.Discovery.SetupRetries < 0 {
		return fmt.Errorf("discovery.setup_retries must not be negative, got %d", c.Discovery.SetupRetries)
	}
	if !strings.HasPrefix(c.Discovery.ServiceType, "_") {
		return fmt.Errorf("discovery.service_type %q is not a DNS-SD service type", c.Discovery.ServiceType)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Control API defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8001)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 30)

	// Discovery defaults
	v.SetDefault("discovery.service_type", "_imagecount._tcp.local.")
	v.SetDefault("discovery.instance", "ImageCountServer")
	v.SetDefault("discovery.browse_window", 30*time.Second)
	v.SetDefault("discovery.setup_retries", 0)
	v.SetDefault("discovery.retry_backoff", time.Second)

	// Library defaults
	v.SetDefault("library.root", ".")
	v.SetDefault("library.exclude_pending", true)

	v.SetDefault("transfer.rate_limit", 0)

	// Transport defaults
	v.SetDefault("transport.connect_timeout", 10*time.Second)
	v.SetDefault("transport.response_timeout", 10*time.Second)
	v.SetDefault("transport.idle_conn_timeout", 5*time.Minute)

	v.SetDefault("status.capacity", 10)

	// Receiver defaults
	v.SetDefault("receiver.port", 8000)
	v.SetDefault("receiver.upload_dir", "uploaded_images")
	v.SetDefault("receiver.advertise", true)

	// RabbitMQ defaults
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "photosync.events")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}
