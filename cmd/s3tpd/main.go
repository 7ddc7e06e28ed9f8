// Command s3tpd runs one S3TP engine over a framed-TCP demo link, with a
// Prometheus /metrics endpoint and graceful SIGINT/SIGTERM shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twittidai/s3tp/internal/link"
	"github.com/twittidai/s3tp/pkg/s3tp"
)

const version = "1.0.0"

type flags struct {
	listenAddr  string
	dialAddr    string
	port        uint8
	channel     uint8
	metricsAddr string
	logLevel    string
}

func main() {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "s3tpd",
		Short: "S3TP transport daemon",
		Long:  "s3tpd runs an S3TP engine over a framed-TCP demo link, opening one application port and echoing whatever it receives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
		SilenceUsage: true,
	}

	pf := cmd.Flags()
	pf.StringVar(&f.listenAddr, "listen", "", "listen for an inbound peer on this address (mutually exclusive with --dial)")
	pf.StringVar(&f.dialAddr, "dial", "", "dial out to a peer at this address (mutually exclusive with --listen)")
	pf.Uint8Var(&f.port, "port", 4, "application port number to open")
	pf.Uint8Var(&f.channel, "channel", 1, "virtual channel to use for the port")
	pf.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus /metrics on; empty disables it")
	pf.StringVar(&f.logLevel, "log-level", "info", "logrus level: debug, info, warn, error")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		dlog.Infof(ctx, "received signal %v, shutting down gracefully", sig)
		cancel()
	}()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "s3tpd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(f.logLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

	banner(ctx, version)

	if f.listenAddr == "" && f.dialAddr == "" {
		return fmt.Errorf("exactly one of --listen or --dial must be set")
	}
	if f.listenAddr != "" && f.dialAddr != "" {
		return fmt.Errorf("--listen and --dial are mutually exclusive")
	}

	cfg, err := s3tp.LoadConfig(ctx)
	if err != nil {
		return err
	}

	engine, linkDriver, err := buildEngine(ctx, f, cfg)
	if err != nil {
		return err
	}

	app := &echoApplication{}
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout: 5 * time.Second,
		HardShutdownTimeout: 10 * time.Second,
	})

	grp.Go("engine", func(ctx context.Context) error {
		return engine.Run(ctx)
	})
	grp.Go("open-port", func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		sender, err := engine.OpenPort(ctx, f.port, f.channel, app)
		if err != nil {
			return err
		}
		app.mu.Lock()
		app.sender = sender
		app.mu.Unlock()
		dlog.Infof(ctx, "s3tpd: opened port %d on channel %d", f.port, f.channel)
		<-ctx.Done()
		return sender.Close(ctx)
	})
	if f.metricsAddr != "" {
		grp.Go("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, f.metricsAddr)
		})
	}

	_ = linkDriver
	return grp.Wait()
}

func buildEngine(ctx context.Context, f *flags, cfg s3tp.Config) (*s3tp.Engine, *link.TCPLink, error) {
	var (
		driver *link.TCPLink
		err    error
	)
	engineBox := &engineHolder{}

	if f.listenAddr != "" {
		driver, err = link.NewListener(f.listenAddr, engineBox)
		if err != nil {
			return nil, nil, err
		}
		dlog.Infof(ctx, "s3tpd: listening on %s", f.listenAddr)
	} else {
		driver = link.NewDialer(f.dialAddr, engineBox)
		dlog.Infof(ctx, "s3tpd: dialing %s", f.dialAddr)
	}

	engine := s3tp.NewEngine(cfg, driver)
	engineBox.engine = engine
	return engine, driver, nil
}

// engineHolder breaks the construction cycle between link.TCPLink (which
// needs a Callback at construction) and s3tp.NewEngine (which needs the link
// at construction, and only then yields the Callback the link should have
// been given): the link driver is handed a stable pointer that starts
// forwarding once engine is set.
type engineHolder struct {
	engine *s3tp.Engine
}

func (h *engineHolder) HandleFrame(ctx context.Context, arq bool, channel uint8, data []byte) {
	h.engine.HandleFrame(ctx, arq, channel, data)
}

func (h *engineHolder) HandleBufferEmpty(ctx context.Context, channel uint8) {
	h.engine.HandleBufferEmpty(ctx, channel)
}

func (h *engineHolder) HandleLinkStatus(ctx context.Context, linkUp bool) {
	h.engine.HandleLinkStatus(ctx, linkUp)
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	dlog.Infof(ctx, "s3tpd: metrics server on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type echoApplication struct {
	mu     sync.Mutex
	sender s3tp.Application
}

func (a *echoApplication) OnConnected(ctx context.Context, port uint8) {
	dlog.Infof(ctx, "s3tpd: port %d connected", port)
}

func (a *echoApplication) OnDisconnected(ctx context.Context, port uint8) {
	dlog.Infof(ctx, "s3tpd: port %d disconnected", port)
}

func (a *echoApplication) OnAvailable(ctx context.Context, port uint8) {
	dlog.Debugf(ctx, "s3tpd: port %d may retry sending", port)
}

func (a *echoApplication) OnMessage(ctx context.Context, port uint8, data []byte) {
	dlog.Infof(ctx, "s3tpd: port %d received %d bytes, echoing back", port, len(data))
	a.mu.Lock()
	sender := a.sender
	a.mu.Unlock()
	if sender == nil {
		return
	}
	if code := sender.Send(ctx, data); code != s3tp.Success {
		dlog.Warnf(ctx, "s3tpd: echo send failed: %v", code)
	}
}

const bannerColorCyan = "\033[36m"
const bannerColorGreen = "\033[32m"
const bannerColorReset = "\033[0m"

func banner(ctx context.Context, version string) {
	art := `
╔═══════════════════════════════════════════════════════════╗
║    ███████╗██████╗ ████████╗██████╗                       ║
║    ██╔════╝╚════██╗╚══██╔══╝██╔══██╗                       ║
║    ███████╗ █████╔╝   ██║   ██████╔╝                       ║
║    ╚════██║ ╚═══██╗   ██║   ██╔═══╝                        ║
║    ███████║██████╔╝   ██║   ██║                            ║
║    ╚══════╝╚═════╝    ╚═╝   ╚═╝                            ║
║                                                             ║
║              %sreliable multiplexed transport%s              ║
║                    %sversion %-7s%s                     ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(art, bannerColorCyan, bannerColorReset, bannerColorGreen, version, bannerColorReset)
	dlog.Infof(ctx, "s3tpd starting, version %s", version)
}
