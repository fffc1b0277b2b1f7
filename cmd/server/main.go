package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/matst80/natpunch/internal/obs"
	"github.com/matst80/natpunch/internal/ratelimit"
	"github.com/matst80/natpunch/internal/rendezvous"
)

func main() {
	if err := parseConfig(); err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error(), "file": cfg.ConfigFile})
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)
	defer obs.Sync()
	obs.Info("server.start", obs.Fields{"listen": cfg.Listen, "metrics": cfg.MetricsAddr, "host_ttl": cfg.HostTTL.String()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := rendezvous.NewStateStore(ctx, rendezvous.StoreConfig{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		KeyTTL:        cfg.RedisKeyTTL,
	})
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer state.Close()

	laddr, err := net.ResolveUDPAddr("udp4", cfg.Listen)
	if err != nil {
		obs.Error("listen.resolve", obs.Fields{"err": err.Error(), "addr": cfg.Listen})
		os.Exit(1)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		obs.Error("listen.udp", obs.Fields{"err": err.Error(), "addr": cfg.Listen})
		os.Exit(1)
	}
	defer conn.Close()

	hub := rendezvous.NewHub(cfg.EventBacklog, 64)
	srv := rendezvous.New(conn, state, rendezvous.Options{
		HostTTL:        cfg.HostTTL,
		SweepInterval:  cfg.SweepInterval,
		PendingTimeout: cfg.PendingTimeout,
		Limiter:        ratelimit.NewLimiter(cfg.GlobalLookups, cfg.LookupRate, cfg.LookupBurst),
		Hub:            hub,
	})

	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: newHTTPHandler(state, srv, hub), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": cfg.MetricsAddr})
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); srv.RunSweep(ctx) }()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			obs.Error("server.serve", obs.Fields{"err": err.Error()})
			stop()
		}
	}()

	state.SetReady(true)
	obs.Info("server.ready", obs.Fields{"udp": srv.Addr().String()})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	state.SetClosing(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
}
