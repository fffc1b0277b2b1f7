// Package config loads the optional YAML file and NATPUNCH_* environment
// overrides shared by the natpunch commands.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "NATPUNCH"

type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	KeyTTL   time.Duration `mapstructure:"key_ttl"`
}

type Server struct {
	Listen         string        `mapstructure:"listen"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	HostTTL        time.Duration `mapstructure:"host_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
	LookupRate     int           `mapstructure:"lookup_rate"`
	LookupBurst    int           `mapstructure:"lookup_burst"`
	GlobalLookups  int           `mapstructure:"global_lookup_rate"`
	EventBacklog   int           `mapstructure:"event_backlog"`
	Redis          Redis         `mapstructure:"redis"`
}

type Client struct {
	Service           string        `mapstructure:"service"`
	Spoofer           string        `mapstructure:"spoofer"`
	RawTTL            int           `mapstructure:"raw_ttl"`
	EnableTimeout     time.Duration `mapstructure:"enable_timeout"`
	LookupTimeout     time.Duration `mapstructure:"lookup_timeout"`
	ReceiveTimeout    time.Duration `mapstructure:"receive_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

type Config struct {
	Debug  bool   `mapstructure:"debug"`
	Server Server `mapstructure:"server"`
	Client Client `mapstructure:"client"`
}

// Default is the configuration used when neither a file nor the environment
// says otherwise. Command flags use the same values as their defaults.
func Default() Config {
	return Config{
		Server: Server{
			Listen:         ":6510",
			MetricsAddr:    ":9100",
			HostTTL:        60 * time.Second,
			SweepInterval:  5 * time.Second,
			PendingTimeout: 10 * time.Second,
			LookupRate:     5,
			LookupBurst:    10,
			EventBacklog:   100,
			Redis:          Redis{KeyTTL: 2 * time.Minute},
		},
		Client: Client{
			Service:           "127.0.0.1:6510",
			Spoofer:           "reuseport",
			RawTTL:            64,
			EnableTimeout:     2200 * time.Millisecond,
			LookupTimeout:     2 * time.Second,
			ReceiveTimeout:    time.Second,
			KeepAliveInterval: 19 * time.Second,
		},
	}
}

// setDefaults registers every key so AutomaticEnv can see it without a file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("debug", d.Debug)

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.metrics_addr", d.Server.MetricsAddr)
	v.SetDefault("server.host_ttl", d.Server.HostTTL)
	v.SetDefault("server.sweep_interval", d.Server.SweepInterval)
	v.SetDefault("server.pending_timeout", d.Server.PendingTimeout)
	v.SetDefault("server.lookup_rate", d.Server.LookupRate)
	v.SetDefault("server.lookup_burst", d.Server.LookupBurst)
	v.SetDefault("server.global_lookup_rate", d.Server.GlobalLookups)
	v.SetDefault("server.event_backlog", d.Server.EventBacklog)
	v.SetDefault("server.redis.addr", d.Server.Redis.Addr)
	v.SetDefault("server.redis.password", d.Server.Redis.Password)
	v.SetDefault("server.redis.db", d.Server.Redis.DB)
	v.SetDefault("server.redis.key_ttl", d.Server.Redis.KeyTTL)

	v.SetDefault("client.service", d.Client.Service)
	v.SetDefault("client.spoofer", d.Client.Spoofer)
	v.SetDefault("client.raw_ttl", d.Client.RawTTL)
	v.SetDefault("client.enable_timeout", d.Client.EnableTimeout)
	v.SetDefault("client.lookup_timeout", d.Client.LookupTimeout)
	v.SetDefault("client.receive_timeout", d.Client.ReceiveTimeout)
	v.SetDefault("client.keepalive_interval", d.Client.KeepAliveInterval)
}

// Load reads path (YAML) when it is not empty, then applies NATPUNCH_*
// environment variables, e.g. NATPUNCH_SERVER_REDIS_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
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
	return &c, nil
}
