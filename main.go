package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/promlog"
	promlogflag "github.com/prometheus/common/promlog/flag"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	webflag "github.com/prometheus/exporter-toolkit/web/kingpinflag"
	"golang.org/x/sync/errgroup"

	"github.com/fengxsong/mikrotik_exporter/internal/collector"
	"github.com/fengxsong/mikrotik_exporter/internal/config"
	"github.com/fengxsong/mikrotik_exporter/internal/metrics"
	"github.com/fengxsong/mikrotik_exporter/internal/pool"
	"github.com/fengxsong/mikrotik_exporter/internal/routeros"
	"github.com/fengxsong/mikrotik_exporter/internal/scheduler"
	"github.com/fengxsong/mikrotik_exporter/internal/server"
)

func main() {
	var (
		toolkitFlags = webflag.AddFlags(kingpin.CommandLine, envOrDefault("SERVER_ADDR", "0.0.0.0:9090"))
		configFile   = kingpin.Flag("config.file", "Optional YAML file with the router list, used when ROUTERS_CONFIG is not set.").Default("").String()
		timeout      = kingpin.Flag("routeros.timeout", "Timeout for connecting to a router and for each collector's queries.").Default(scheduler.DefaultCollectorTimeout.String()).Duration()
		collect      = collectorFlags()
	)

	promlogConfig := &promlog.Config{}
	promlogflag.AddFlags(kingpin.CommandLine, promlogConfig)
	kingpin.Version(version.Print("mikrotik_exporter"))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	if lvl := os.Getenv("MIKROTIK_LOG_LEVEL"); lvl != "" {
		if err := promlogConfig.Level.Set(lvl); err != nil {
			kingpin.Fatalf("invalid MIKROTIK_LOG_LEVEL: %v", err)
		}
	}
	logger := promlog.New(promlogConfig)

	cfg, err := config.Load(*configFile)
	if err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "starting mikrotik_exporter", "version", version.Info(),
		"routers", len(cfg.Routers), "collection_interval", cfg.CollectionInterval)

	registry := metrics.New()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("mikrotik_exporter"),
	)

	p := pool.New(logger)
	for _, r := range cfg.Routers {
		r := r
		p.Register(r.Name, func(ctx context.Context) (pool.Conn, error) {
			return routeros.Dial(ctx, r.Address, r.Username, r.Password, *timeout, log.With(logger, "router", r.Name))
		})
		registry.InitRouter(r.Name)
	}
	registry.RegisterPoolGauges(p.Size, p.Active)

	cols := enabledCollectors(logger, collect)
	if len(cols) == 0 {
		level.Error(logger).Log("msg", "all collectors are disabled")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range cfg.Routers {
		sched := scheduler.New(r.Name, p, registry, cols, cfg.CollectionInterval, *timeout, logger)
		g.Go(func() error { return sched.Run(ctx) })
	}

	handler := server.New(registry.Gatherer(), p, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.Handle("/health", handler)
	landingPage, err := web.NewLandingPage(web.LandingConfig{
		Name:        "MikroTik Exporter",
		Description: "Prometheus exporter for RouterOS devices",
		Version:     version.Info(),
		Links: []web.LandingLinks{
			{Address: "/metrics", Text: "Metrics"},
			{Address: "/health", Text: "Health"},
		},
	})
	if err != nil {
		level.Error(logger).Log("msg", "cannot create landing page", "err", err)
		os.Exit(1)
	}
	mux.Handle("/", landingPage)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := web.ListenAndServe(srv, toolkitFlags, logger); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		level.Error(logger).Log("msg", "exporter exited with error", "err", err)
		p.Close()
		os.Exit(1)
	}
	p.Close()
	level.Info(logger).Log("msg", "exporter stopped")
}

// collectorFlags registers one --collect.<name> bool flag per collector;
// kingpin derives the matching --no-collect.<name> negation.
func collectorFlags() map[string]*bool {
	flags := make(map[string]*bool)
	for _, name := range collector.Names() {
		flags[name] = kingpin.Flag("collect."+name, "Enable the "+name+" collector.").Default("true").Bool()
	}
	return flags
}

func enabledCollectors(logger log.Logger, enabled map[string]*bool) []collector.Collector {
	var cols []collector.Collector
	for _, c := range collector.All(logger) {
		if on := enabled[c.Name()]; on != nil && !*on {
			level.Info(logger).Log("msg", "collector disabled", "collector", c.Name())
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
