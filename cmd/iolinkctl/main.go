// iolinkctl dials an iolink server, sends packages of one type and waits
// for their responses.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/iolink/internal/config"
	"github.com/danmuck/iolink/internal/endpoint"
	"github.com/danmuck/iolink/internal/jobs"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/danmuck/iolink/internal/protocol/routing"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "iolinkctl: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	addr       string
	network    string
	typ        uint32
	payload    string
	encoding   string
	routing    string
	count      int
	timeout    time.Duration
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("iolinkctl", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "path to the iolinkctl TOML config")
	fs.StringVarP(&o.addr, "addr", "a", "", "server address; overrides the config")
	fs.StringVar(&o.network, "network", "tcp", "tcp or unix")
	fs.Uint32VarP(&o.typ, "type", "t", 7, "package type")
	fs.StringVarP(&o.payload, "payload", "p", "0123456789", "buffer contents")
	fs.StringVarP(&o.encoding, "encoding", "e", "raw", "buffer encoding: raw, lz4, zstd, s2")
	fs.StringVar(&o.routing, "routing", "", "routing preset: low, normal, high; overrides the config")
	fs.IntVarP(&o.count, "count", "n", 1, "number of packages to send")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "wait per response")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if o.count <= 0 {
		return options{}, fmt.Errorf("count must be positive")
	}
	return o, nil
}

func run(args []string, out io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	logs.ConfigureRuntime()

	cfg := config.DefaultClient()
	if o.configPath != "" {
		if cfg, err = config.LoadClient(o.configPath); err != nil {
			return err
		}
	}
	if o.addr != "" {
		cfg.Addr = o.addr
	}
	if o.routing != "" {
		if cfg.Routing, err = routing.ParseSecurityLevel(o.routing); err != nil {
			return err
		}
	}
	enc, err := packet.ParseEncoding(o.encoding)
	if err != nil {
		return err
	}
	ecfg, err := cfg.EndpointConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	e, err := endpoint.Dial(ctx, o.network, cfg.Addr, ecfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w (%s)", cfg.Addr, err, endpoint.CodeOf(err))
	}
	defer e.Stop()
	fmt.Fprintf(out, "connected %s peer=%s version=%s mode=%s\n",
		cfg.Addr, e.PeerIdentity(), e.PeerVersion(), e.SecurityMode())

	for i := 0; i < o.count; i++ {
		if err := exchange(ctx, e, o, enc, out); err != nil {
			return err
		}
	}

	st := e.Stats()
	fmt.Fprintf(out, "sent=%d/%dB received=%d/%dB jobs=%d\n",
		st.SentPackages, st.SentBytes, st.ReceivedPackages, st.ReceivedBytes, st.Jobs.Active)
	return nil
}

func exchange(ctx context.Context, e *endpoint.Endpoint, o options, enc packet.Encoding, out io.Writer) error {
	pkg, err := packet.NewWithData(o.typ, enc, []byte(o.payload))
	if err != nil {
		return err
	}
	start := time.Now()
	h, err := e.Send(pkg)
	if err != nil {
		return err
	}
	defer h.Release()
	wctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	r, resp, err := h.Wait(wctx)
	if err != nil {
		return fmt.Errorf("wait %s: %w", pkg.ID, err)
	}
	if r != jobs.Success {
		return fmt.Errorf("package %s finished with %s (%s)", pkg.ID, r, e.Error())
	}
	for _, rsp := range resp {
		data, err := rsp.Package.Data(0)
		if err != nil {
			data = []byte(err.Error())
		}
		fmt.Fprintf(out, "response id=%s parent=%s type=%d rtt=%s data=%q\n",
			rsp.Package.ID, rsp.Package.ParentID, rsp.Package.Type, time.Since(start).Round(time.Microsecond), data)
	}
	return nil
}
