package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/radio-globe/core"
	"github.com/signalsfoundry/radio-globe/internal/audio"
	"github.com/signalsfoundry/radio-globe/internal/bridge"
	"github.com/signalsfoundry/radio-globe/internal/catalog"
	"github.com/signalsfoundry/radio-globe/internal/config"
	"github.com/signalsfoundry/radio-globe/internal/events"
	"github.com/signalsfoundry/radio-globe/internal/logging"
	"github.com/signalsfoundry/radio-globe/internal/observability"
	"github.com/signalsfoundry/radio-globe/timectrl"
)

// version is set at build time with -ldflags "-X main.version=...".
var version string

var (
	_ core.Catalog    = (*catalog.Client)(nil)
	_ core.TagBrowser = (*catalog.Client)(nil)
	_ bridge.Handler  = (*core.Engine)(nil)
)

func main() {
	configPath := flag.String("config", "", "Path to a JSON config file; watched for tuning changes")
	addr := flag.String("addr", "", "HTTP address for the globe websocket (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (overrides config)")
	catalogURL := flag.String("catalog", "", "Base URL of the station catalog API (overrides config)")
	flag.Parse()

	boot := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Error(ctx, "failed to load config", logging.String("path", *configPath), logging.String("error", err.Error()))
		os.Exit(1)
	}
	applyFlags(&cfg, *addr, *metricsAddr, *catalogURL)
	if err := cfg.Validate(); err != nil {
		boot.Error(ctx, "invalid config", logging.String("error", err.Error()))
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Logging())
	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.Error(ctx, "failed to listen", logging.String("addr", cfg.Server.Addr), logging.String("error", err.Error()))
		os.Exit(1)
	}
	if err := run(ctx, cfg, *configPath, log, lis); err != nil {
		log.Error(ctx, "radio globe exited", logging.String("error", err.Error()))
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config, addr, metricsAddr, catalogURL string) {
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if metricsAddr != "" {
		cfg.Server.MetricsAddr = metricsAddr
	}
	if catalogURL != "" {
		cfg.Catalog.BaseURL = catalogURL
	}
}

// run wires the service and serves the bridge on lis until ctx is done.
func run(ctx context.Context, cfg config.Config, configPath string, log logging.Logger, lis net.Listener) error {
	tracingCfg := observability.TracingConfigFromEnv()
	tracingCfg.CatalogURL = cfg.Catalog.BaseURL
	tracingCfg.Version = version
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.String("error", err.Error()))
	} else {
		defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
	}

	reg := prometheus.NewRegistry()
	collector, err := observability.NewCollector(reg)
	if err != nil {
		return err
	}
	playbackMetrics, err := observability.NewPlaybackCollector(reg)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(cfg.Server.MetricsAddr, collector, log)

	cat, err := catalog.New(cfg.Catalog.Client(),
		catalog.WithLogger(log),
		catalog.WithMetrics(collector),
	)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()

	clock := timectrl.NewTimeController(cfg.Server.FramePeriod())
	clockDone := clock.Start(ctx)

	hub := bridge.NewHub(bridge.WithLogger(log), bridge.WithMetrics(collector))

	prober := audio.NewProber(audio.NewHTTPSourceOpener(nil, log),
		audio.WithProbeTimeout(cfg.Audio.ProbeTimeout.Std()),
		audio.WithProbeLogger(log),
		audio.WithProbeMetrics(playbackMetrics),
	)
	session := audio.NewSession(hub.Output(), prober,
		audio.WithPublisher(bus),
		audio.WithSessionLogger(log),
		audio.WithSessionMetrics(playbackMetrics),
	)

	engine := core.NewEngine(hub.Globe(), clock, cat, session,
		core.WithTuning(cfg.Tuning.Core()),
		core.WithEngineLogger(log),
		core.WithEnginePublisher(bus),
		core.WithEngineMetrics(collector),
	)
	hub.SetHandler(engine)
	go hub.Forward(ctx, bus)

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, log, func(next config.Config) {
				engine.ApplyTuning(next.Tuning.Core())
				prober.SetTimeout(next.Audio.ProbeTimeout.Std())
			})
			if err != nil {
				log.Warn(ctx, "config watch stopped", logging.String("error", err.Error()))
			}
		}()
	}

	srv := &http.Server{
		Handler:           hub.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "serving globe bridge",
			logging.String("addr", lis.Addr().String()),
			logging.String("catalog", cfg.Catalog.BaseURL),
		)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	log.Info(context.Background(), "shutting down radio globe")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub.Close()
	_ = srv.Shutdown(shutdownCtx)
	hub.Wait()
	engine.Close(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if ctx.Err() != nil {
		<-clockDone
	}
	return runErr
}

func serveMetrics(addr string, collector *observability.Collector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
