// iolinkd accepts iolink connections, echoes every request back to its
// sender and serves a status API. Detached connections can be handed to
// another iolinkd through a unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/iolink/internal/config"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/observability"
	"github.com/danmuck/iolink/internal/registry"
	"github.com/danmuck/iolink/internal/status"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "iolinkd: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath    string
	listen        []string
	statusAddr    string
	handoffSocket string
	handoffListen string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("iolinkd", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "path to the iolinkd TOML config")
	fs.StringSliceVarP(&o.listen, "listen", "l", nil, "listener URLs (tcp://host:port, unix:///path); overrides the config")
	fs.StringVar(&o.statusAddr, "status-addr", "", "status HTTP address; \"off\" disables it")
	fs.StringVar(&o.handoffSocket, "handoff-socket", "", "unix socket that receives detached connections")
	fs.StringVar(&o.handoffListen, "handoff-listen", "", "unix socket on which to accept connections detached by another iolinkd")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return o, nil
}

func loadConfig(o options) (config.Daemon, error) {
	cfg := config.DefaultDaemon()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadDaemon(o.configPath); err != nil {
			return config.Daemon{}, err
		}
	}
	if len(o.listen) > 0 {
		cfg.Listen = o.listen
	}
	if o.statusAddr != "" {
		cfg.StatusAddr = o.statusAddr
	}
	if o.handoffSocket != "" {
		cfg.HandoffSocket = o.handoffSocket
	}
	if o.handoffListen != "" {
		cfg.HandoffListen = o.handoffListen
	}
	return cfg, cfg.Validate()
}

func run(args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	logs.ConfigureRuntime()
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	ecfg, err := cfg.EndpointConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	echo := newEchoer(ctx)
	ecfg.Observer = observability.NewObserver(cfg.Name)
	ecfg.Handler = echo.Handler()
	rcfg := registry.Config{Endpoint: ecfg}
	if cfg.HandoffSocket != "" {
		rcfg.OnDetach = registry.ForwardTo(cfg.HandoffSocket)
	}
	reg := registry.New(rcfg)
	defer reg.Close()
	echo.start(reg)

	events, cancel := reg.Subscribe()
	defer cancel()
	go func() {
		for ev := range events {
			observability.SetActiveEndpoints(cfg.Name, reg.Len())
			logs.Debugf("iolinkd.event kind=%s peer=%s code=%s", ev.Kind, ev.Peer, ev.Code)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, len(cfg.Listen)+2)
	for _, l := range cfg.Listen {
		network, addr, err := config.ParseListenAddr(l)
		if err != nil {
			return err
		}
		if network == "unix" {
			_ = os.Remove(addr)
		}
		ln, err := net.Listen(network, addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", l, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.Serve(ctx, ln); err != nil {
				errs <- err
			}
		}()
	}

	if cfg.HandoffListen != "" {
		_ = os.Remove(cfg.HandoffListen)
		hl, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.HandoffListen, Net: "unix"})
		if err != nil {
			return fmt.Errorf("handoff listen: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.ServeHandoff(ctx, hl); err != nil {
				errs <- err
			}
		}()
	}

	if cfg.StatusAddr != "" && cfg.StatusAddr != "off" {
		st := status.New(cfg.Name, reg, cfg.StatusValidator(), cfg.CorsOrigins)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.Serve(ctx, cfg.StatusAddr); err != nil {
				errs <- fmt.Errorf("status: %w", err)
			}
		}()
	}

	logs.Infof("iolinkd.started name=%s identity=%s listeners=%d routing=%s",
		cfg.Name, reg.Identity(), len(cfg.Listen), cfg.Routing)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		stop()
	}
	_ = reg.Close()
	wg.Wait()
	echo.wait()
	logs.Infof("iolinkd.stopped name=%s", cfg.Name)
	return runErr
}
