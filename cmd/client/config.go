package main

import (
	"flag"
	"time"

	"github.com/matst80/natpunch/internal/config"
)

// Config holds client runtime configuration.
type Config struct {
	ConfigFile        string
	Service           string
	Spoofer           string
	RawTTL            int
	EnableTimeout     time.Duration
	LookupTimeout     time.Duration
	ReceiveTimeout    time.Duration
	KeepAliveInterval time.Duration
	Debug             bool

	// host / joined
	Port uint
	// lookup
	Host     string
	HostPort uint
	// joined
	Session string
	Player  string
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	d := config.Default()
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional YAML config file")
	flag.StringVar(&cfg.Service, "service", d.Client.Service, "rendezvous service address (ipv4:port)")
	flag.StringVar(&cfg.Spoofer, "spoofer", d.Client.Spoofer, "source spoofing method: reuseport or raw (needs CAP_NET_RAW)")
	flag.IntVar(&cfg.RawTTL, "raw-ttl", d.Client.RawTTL, "IP TTL for raw spoofed packets")
	flag.DurationVar(&cfg.EnableTimeout, "enable-timeout", d.Client.EnableTimeout, "how long host mode waits for registration")
	flag.DurationVar(&cfg.LookupTimeout, "lookup-timeout", d.Client.LookupTimeout, "how long lookup waits for the reply")
	flag.DurationVar(&cfg.ReceiveTimeout, "receive-timeout", d.Client.ReceiveTimeout, "notification loop receive timeout while registering")
	flag.DurationVar(&cfg.KeepAliveInterval, "keepalive", d.Client.KeepAliveInterval, "keep-alive interval once enabled")
	flag.BoolVar(&cfg.Debug, "debug", d.Debug, "enable debug logs")

	flag.UintVar(&cfg.Port, "port", 7777, "host/joined: private port the application listens on")
	flag.StringVar(&cfg.Host, "host", "", "lookup: host public address as shared by the host")
	flag.UintVar(&cfg.HostPort, "host-port", 0, "lookup: host public port")
	flag.StringVar(&cfg.Session, "session", "", "joined: session id printed by host mode")
	flag.StringVar(&cfg.Player, "player", "", "joined: public ip:port of the player that connected")
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
	c := file.Client
	fill(set, "service", &cfg.Service, c.Service)
	fill(set, "spoofer", &cfg.Spoofer, c.Spoofer)
	fill(set, "raw-ttl", &cfg.RawTTL, c.RawTTL)
	fill(set, "enable-timeout", &cfg.EnableTimeout, c.EnableTimeout)
	fill(set, "lookup-timeout", &cfg.LookupTimeout, c.LookupTimeout)
	fill(set, "receive-timeout", &cfg.ReceiveTimeout, c.ReceiveTimeout)
	fill(set, "keepalive", &cfg.KeepAliveInterval, c.KeepAliveInterval)
	fill(set, "debug", &cfg.Debug, file.Debug)
	return nil
}

func fill[T any](set map[string]bool, name string, dst *T, v T) {
	if !set[name] {
		*dst = v
	}
}
