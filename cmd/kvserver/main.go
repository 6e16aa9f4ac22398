// Command kvserver runs the in-memory key-value server: it loads
// configuration, binds the listening socket, and drives the
// single-threaded event loop until it receives a termination signal.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/opentracing/opentracing-go"
	"github.com/rs/cors"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"golang.org/x/sync/errgroup"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/holisticode/kvstore/eventloop"
	kvmetrics "github.com/holisticode/kvstore/metrics"
	"github.com/holisticode/kvstore/serverconfig"
	"github.com/holisticode/kvstore/store"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML configuration file",
	}
	addrFlag = cli.StringFlag{
		Name:  "addr",
		Usage: "listen address",
		Value: serverconfig.DefaultListenAddr,
	}
	portFlag = cli.IntFlag{
		Name:  "port",
		Usage: "listen port",
		Value: serverconfig.DefaultPort,
	}
	metricsFlag = cli.BoolFlag{
		Name:  "metrics",
		Usage: "expose a Prometheus metrics endpoint",
	}
)

func main() {
	setupLogging()

	app := cli.NewApp()
	app.Name = "kvserver"
	app.Usage = "in-memory key-value server"
	app.Flags = []cli.Flag{configFlag, addrFlag, portFlag, metricsFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Crit("kvserver exited with error", "err", err)
	}
}

func setupLogging() {
	usecolor := isatty.IsTerminal(os.Stderr.Fd())
	output := io.Writer(os.Stderr)
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	handler := log.StreamHandler(output, log.TerminalFormat(usecolor))
	log.Root().SetHandler(handler)
}

func run(ctx *cli.Context) error {
	cfg := serverconfig.NewConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		if err := cfg.LoadTOML(path); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	if ctx.IsSet(addrFlag.Name) {
		cfg.ListenAddr = ctx.String(addrFlag.Name)
	}
	if ctx.IsSet(portFlag.Name) {
		cfg.Port = ctx.Int(portFlag.Name)
	}
	if ctx.IsSet(metricsFlag.Name) {
		cfg.MetricsEnabled = ctx.Bool(metricsFlag.Name)
	}

	lvl, err := log.LvlFromString(cfg.LogLevel)
	if err != nil {
		lvl = log.LvlInfo
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.Root().GetHandler()))

	kv := store.New()

	if cfg.TracingEnabled {
		tracer, closer, err := newJaegerTracer(cfg.TracingJaegerEndpoint)
		if err != nil {
			return fmt.Errorf("tracing setup: %w", err)
		}
		defer closer.Close()
		kv.SetTracer(tracer)
	}

	listenFD, err := eventloop.Listen(cfg.ListenAddr, cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	loop, err := eventloop.New(listenFD, kv)
	if err != nil {
		return fmt.Errorf("creating event loop: %w", err)
	}
	defer loop.Close()

	log.Info("listening", "addr", cfg.ListenAddr, "port", cfg.Port)

	var g errgroup.Group
	stop := make(chan struct{})
	var stopOnce sync.Once
	shutdown := func() { stopOnce.Do(func() { close(stop) }) }

	g.Go(func() error {
		defer shutdown()
		return loop.Run(stop)
	})

	kvmetrics.Setup(kvmetrics.Options{
		Enabled:          cfg.MetricsEnabled,
		InfluxDBEnabled:  cfg.InfluxDBEnabled,
		InfluxDBEndpoint: cfg.InfluxDBEndpoint,
		InfluxDBDatabase: cfg.InfluxDBDatabase,
		InfluxDBUsername: cfg.InfluxDBUsername,
		InfluxDBPassword: cfg.InfluxDBPassword,
	}, kv)

	if cfg.MetricsEnabled {
		g.Go(func() error {
			defer shutdown()
			return serveMetrics(cfg, stop)
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case s := <-sig:
			log.Info("received signal, shutting down", "signal", s)
		case <-stop:
		}
		shutdown()
		return nil
	})

	return g.Wait()
}

// newJaegerTracer builds a const-sampled Jaeger tracer reporting to
// agentHostPort, for attaching to Store via SetTracer.
func newJaegerTracer(agentHostPort string) (opentracing.Tracer, io.Closer, error) {
	cfg := jaegercfg.Configuration{
		ServiceName: "kvserver",
		Sampler: &jaegercfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:           true,
			LocalAgentHostPort: agentHostPort,
		},
	}
	return cfg.NewTracer()
}

func serveMetrics(cfg *serverconfig.Config, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/debug/metrics/prometheus", kvmetrics.Handler())
	handler := cors.Default().Handler(mux)

	srv := &http.Server{Addr: cfg.MetricsHTTPAddr, Handler: handler}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-stop:
		return srv.Close()
	case err := <-errc:
		return err
	}
}
