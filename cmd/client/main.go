package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/matst80/natpunch/internal/obs"
	"github.com/matst80/natpunch/internal/spoof"
	"github.com/matst80/natpunch/internal/traversal"
)

const usage = `usage: natpunch-client [flags] host|lookup|joined

  host    register -port with the rendezvous service and keep it reachable
  lookup  ask the service for the addresses of -host:-host-port
  joined  report -player as joined to session -session on -port`

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	if err := parseConfig(); err != nil {
		pterm.Error.Println(err)
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)
	defer obs.Sync()

	if err := run(flag.Arg(0)); err != nil {
		pterm.Error.Println(err)
		obs.Sync()
		os.Exit(1)
	}
}

func run(mode string) error {
	service, err := netip.ParseAddrPort(cfg.Service)
	if err != nil {
		return fmt.Errorf("bad -service %q: %w", cfg.Service, err)
	}
	sp, closeSpoofer, err := newSpoofer(cfg.Spoofer, cfg.RawTTL)
	if err != nil {
		return err
	}
	defer closeSpoofer()

	client, err := traversal.NewClient(traversal.Config{
		ServiceAddr:       service,
		Spoofer:           sp,
		EnableTimeout:     cfg.EnableTimeout,
		LookupTimeout:     cfg.LookupTimeout,
		ReceiveTimeout:    cfg.ReceiveTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "host":
		port, err := portFlag("port", cfg.Port)
		if err != nil {
			return err
		}
		return runHost(ctx, client, port)
	case "lookup":
		port, err := portFlag("host-port", cfg.HostPort)
		if err != nil {
			return err
		}
		return runLookup(ctx, client, cfg.Host, port)
	case "joined":
		port, err := portFlag("port", cfg.Port)
		if err != nil {
			return err
		}
		return runJoined(client, cfg.Session, port, cfg.Player)
	}
	flag.Usage()
	return fmt.Errorf("unknown mode %q", mode)
}

func portFlag(name string, v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("-%s must be 1-65535, got %d", name, v)
	}
	return uint16(v), nil
}

func newSpoofer(kind string, ttl int) (spoof.Spoofer, func(), error) {
	switch kind {
	case "", "reuseport":
		return spoof.NewReusePort(), func() {}, nil
	case "raw":
		r, err := spoof.NewRaw()
		if err != nil {
			return nil, nil, err
		}
		r.TTL = ttl
		return r, func() { _ = r.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown -spoofer %q (want reuseport or raw)", kind)
}

func runHost(ctx context.Context, client *traversal.Client, port uint16) error {
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Registering port %d with %s", port, cfg.Service))
	s := client.EnableNatTraversal(ctx, port)
	if !s.Enabled() {
		spinner.Fail("Registration did not complete (state " + s.State().String() + ")")
		s.Disable()
		return errors.New("nat traversal not enabled")
	}
	spinner.Success("NAT traversal enabled")

	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"session", "public", "private port", "notification channel"},
		{s.ID().String(), s.PublicEndpoint().String(), strconv.Itoa(int(s.PrivatePort())), s.LocalEndpoint().String()},
	}).Render()
	pterm.Info.Printfln("Share %s with players. Ctrl-C to stop.", s.PublicEndpoint())

	select {
	case <-ctx.Done():
	case <-s.Done():
		pterm.Warning.Println("Notification loop stopped")
	}
	s.Disable()
	pterm.Info.Println("Session disabled")
	return nil
}

func runLookup(ctx context.Context, client *traversal.Client, host string, port uint16) error {
	if host == "" {
		return errors.New("-host is required")
	}
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Looking up %s:%d", host, port))
	res, ok := client.TestNatTraversal(ctx, host, port)
	if !ok {
		spinner.Fail("Host not reachable through the rendezvous service")
		return errors.New("lookup failed")
	}
	spinner.Success("Host found")

	return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"host public", "host private", "local"},
		{res.HostPublic.String(), res.HostPrivate.String(), res.Local.String()},
	}).Render()
}

func runJoined(client *traversal.Client, session string, port uint16, player string) error {
	id, err := uuid.Parse(session)
	if err != nil {
		return fmt.Errorf("bad -session %q: %w", session, err)
	}
	ap, err := netip.ParseAddrPort(player)
	if err != nil {
		return fmt.Errorf("bad -player %q: %w", player, err)
	}
	if err := client.NotifyPlayerHasJoinedFor(id, port, ap); err != nil {
		return err
	}
	pterm.Success.Printfln("Reported %s as joined to %s", ap, id)
	return nil
}
