package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STREAMGATE_SERVER_ADDR.
const EnvPrefix = "STREAMGATE"

// Config is the full gateway configuration.
type Config struct {
	Server struct {
		Addr             string        `mapstructure:"addr"`
		Path             string        `mapstructure:"path"`
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
		ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
		AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`

	WS struct {
		MaxMessageSize int           `mapstructure:"max_message_size"`
		OutboundQueue  int           `mapstructure:"outbound_queue"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		CloseTimeout   time.Duration `mapstructure:"close_timeout"`
	} `mapstructure:"ws"`

	Heartbeat struct {
		Interval  time.Duration `mapstructure:"interval"`
		MaxMissed int           `mapstructure:"max_missed"`
	} `mapstructure:"heartbeat"`

	Registry struct {
		MaxConnections      int `mapstructure:"max_connections"`
		MaxConnectionsPerIP int `mapstructure:"max_connections_per_ip"`
	} `mapstructure:"registry"`

	Limits struct {
		CommandsPerSecond float64 `mapstructure:"commands_per_second"`
		CommandBurst      int     `mapstructure:"command_burst"`
	} `mapstructure:"limits"`

	Upstream struct {
		RPCURL      string        `mapstructure:"rpc_url"`
		AuthToken   string        `mapstructure:"auth_token"`
		Timeout     time.Duration `mapstructure:"timeout"`
		MaxRetries  int           `mapstructure:"max_retries"`
		BackoffBase time.Duration `mapstructure:"backoff_base"`
		Offline     bool          `mapstructure:"offline"`
	} `mapstructure:"upstream"`

	Scheduler struct {
		PollTimeout time.Duration `mapstructure:"poll_timeout"`
	} `mapstructure:"scheduler"`

	// Streams overrides topic poll intervals by topic name.
	Streams map[string]time.Duration `mapstructure:"streams"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// setDefaults registers a default for every key. Viper only maps environment
// variables onto keys it already knows, so this also enables env overrides.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.handshake_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("ws.max_message_size", 64*1024)
	v.SetDefault("ws.outbound_queue", 32)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.close_timeout", 5*time.Second)

	v.SetDefault("heartbeat.interval", 15*time.Second)
	v.SetDefault("heartbeat.max_missed", 3)

	v.SetDefault("registry.max_connections", 10000)
	v.SetDefault("registry.max_connections_per_ip", 100)

	v.SetDefault("limits.commands_per_second", 10.0)
	v.SetDefault("limits.command_burst", 20)

	v.SetDefault("upstream.rpc_url", "http://localhost:8545")
	v.SetDefault("upstream.auth_token", "")
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("upstream.backoff_base", 500*time.Millisecond)
	v.SetDefault("upstream.offline", false)

	v.SetDefault("scheduler.poll_timeout", 5*time.Second)

	v.SetDefault("streams.network_metrics", 2*time.Second)
	v.SetDefault("streams.markets_health", 5*time.Second)
	v.SetDefault("streams.receipts", 3*time.Second)
	v.SetDefault("streams.peers", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the configuration. path may be empty to skip the YAML file. A
// missing .env file in the working directory is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// normalize applies derived settings. An RPC URL of "offline" or "none", or
// one with port 0, selects offline mode, in which the upstream is never
// retried.
func (c *Config) normalize() {
	raw := strings.ToLower(strings.TrimSpace(c.Upstream.RPCURL))
	if raw == "offline" || raw == "none" {
		c.Upstream.Offline = true
	} else if u, err := url.Parse(raw); err == nil && u.Port() == "0" {
		c.Upstream.Offline = true
	}
	if c.Upstream.Offline {
		c.Upstream.MaxRetries = 0
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		c.Server.Path = "/" + c.Server.Path
	}
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"server.handshake_timeout": c.Server.HandshakeTimeout,
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"ws.write_timeout":         c.WS.WriteTimeout,
		"ws.close_timeout":         c.WS.CloseTimeout,
		"heartbeat.interval":       c.Heartbeat.Interval,
		"upstream.timeout":         c.Upstream.Timeout,
		"scheduler.poll_timeout":   c.Scheduler.PollTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", key, d))
		}
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.WS.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("ws.max_message_size must be positive, got %d", c.WS.MaxMessageSize))
	}
	if c.WS.OutboundQueue <= 0 {
		errs = append(errs, fmt.Errorf("ws.outbound_queue must be positive, got %d", c.WS.OutboundQueue))
	}
	if c.Heartbeat.MaxMissed <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.max_missed must be positive, got %d", c.Heartbeat.MaxMissed))
	}
	if c.Registry.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("registry.max_connections must be positive, got %d", c.Registry.MaxConnections))
	}
	if c.Limits.CommandsPerSecond <= 0 || c.Limits.CommandBurst <= 0 {
		errs = append(errs, errors.New("limits.commands_per_second and limits.command_burst must be positive"))
	}
	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_retries must not be negative, got %d", c.Upstream.MaxRetries))
	}
	for topic, d := range c.Streams {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("streams.%s must be positive, got %v", topic, d))
		}
	}
	if !c.Upstream.Offline {
		if u, err := url.Parse(c.Upstream.RPCURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("upstream.rpc_url must be an http(s) URL, got %q", c.Upstream.RPCURL))
		}
	}

	return errors.Join(errs...)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
