package main

import (
	"flag"
	"time"

	"github.com/matst80/natpunch/internal/config"
)

// Config holds all runtime configuration derived from flags, an optional config
// file and NATPUNCH_* environment variables. Explicit flags win.
type Config struct {
	ConfigFile     string
	Listen         string
	MetricsAddr    string
	HostTTL        time.Duration
	SweepInterval  time.Duration
	PendingTimeout time.Duration
	LookupRate     int
	LookupBurst    int
	GlobalLookups  int
	EventBacklog   int
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyTTL    time.Duration
	Debug          bool
}

var cfg Config

func init() {
	d := config.Default()
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional YAML config file")
	flag.StringVar(&cfg.Listen, "listen", d.Server.Listen, "UDP address of the rendezvous service")
	flag.StringVar(&cfg.MetricsAddr, "metrics", d.Server.MetricsAddr, "metrics, health, dashboard and events listen address")
	flag.DurationVar(&cfg.HostTTL, "host-ttl", d.Server.HostTTL, "expire sessions not refreshed by open, host or keep-alive within this time")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", d.Server.SweepInterval, "interval for sweeping expired sessions")
	flag.DurationVar(&cfg.PendingTimeout, "pending-timeout", d.Server.PendingTimeout, "how long a relayed connect waits for the host acknowledgement")
	flag.IntVar(&cfg.LookupRate, "lookup-rate", d.Server.LookupRate, "lookups per second allowed per source IP (0 = unlimited)")
	flag.IntVar(&cfg.LookupBurst, "lookup-burst", d.Server.LookupBurst, "lookup burst size")
	flag.IntVar(&cfg.GlobalLookups, "global-lookup-rate", d.Server.GlobalLookups, "lookups per second allowed overall (0 = unlimited)")
	flag.IntVar(&cfg.EventBacklog, "event-backlog", d.Server.EventBacklog, "recent events kept for the dashboard")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", d.Server.Redis.Addr, "Redis address for shared state (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", d.Server.Redis.Password, "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", d.Server.Redis.DB, "Redis database")
	flag.DurationVar(&cfg.RedisKeyTTL, "redis-key-ttl", d.Server.Redis.KeyTTL, "TTL of registration keys in Redis")
	flag.BoolVar(&cfg.Debug, "debug", d.Debug, "enable debug logs")
}

// parseConfig parses flags, then fills every flag the user did not set from the
// config file and environment.
func parseConfig() error {
	flag.Parse()
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	file, err := config.Load(cfg.ConfigFile)
	if err != nil {
		return err
	}
	s := file.Server
	fill(set, "listen", &cfg.Listen, s.Listen)
	fill(set, "metrics", &cfg.MetricsAddr, s.MetricsAddr)
	fill(set, "host-ttl", &cfg.HostTTL, s.HostTTL)
	fill(set, "sweep-interval", &cfg.SweepInterval, s.SweepInterval)
	fill(set, "pending-timeout", &cfg.PendingTimeout, s.PendingTimeout)
	fill(set, "lookup-rate", &cfg.LookupRate, s.LookupRate)
	fill(set, "lookup-burst", &cfg.LookupBurst, s.LookupBurst)
	fill(set, "global-lookup-rate", &cfg.GlobalLookups, s.GlobalLookups)
	fill(set, "event-backlog", &cfg.EventBacklog, s.EventBacklog)
	fill(set, "redis-addr", &cfg.RedisAddr, s.Redis.Addr)
	fill(set, "redis-password", &cfg.RedisPassword, s.Redis.Password)
	fill(set, "redis-db", &cfg.RedisDB, s.Redis.DB)
	fill(set, "redis-key-ttl", &cfg.RedisKeyTTL, s.Redis.KeyTTL)
	fill(set, "debug", &cfg.Debug, file.Debug)
	return nil
}

func fill[T any](set map[string]bool, name string, dst *T, v T) {
	if !set[name] {
		*dst = v
	}
}
