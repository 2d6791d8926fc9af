package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oldmanfleming/smoldb/config"
	"github.com/oldmanfleming/smoldb/server"
	"github.com/oldmanfleming/smoldb/storage"
	"github.com/oldmanfleming/smoldb/storage/bitcask"
	"github.com/oldmanfleming/smoldb/storage/boltdb"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to yaml config file")
		addr        = flag.String("addr", "", "listen address (overrides config)")
		dir         = flag.String("dir", "", "data directory (overrides config)")
		engine      = flag.String("engine", "", "storage engine: bitcask or bolt (overrides config)")
		metricsAddr = flag.String("metrics-addr", "", "metrics listen address (overrides config)")
	)
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			level.Error(logger).Log("msg", "loading config", "err", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	if *engine != "" {
		cfg.Engine = *engine
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()

	var (
		st  storage.Storage
		err error
	)
	switch cfg.Engine {
	case config.EngineBitcask:
		st, err = bitcask.Open(logger, registry, cfg.Dir, bitcask.Options{
			SegmentSize:     cfg.SegmentSize,
			CompactionRatio: cfg.CompactionRatio,
			SyncWrites:      cfg.SyncWrites,
		})
	case config.EngineBolt:
		if err = os.MkdirAll(cfg.Dir, 0o777); err == nil {
			st, err = boltdb.Open(logger, cfg.Dir)
		}
	}
	if err != nil {
		level.Error(logger).Log("msg", "opening storage", "engine", cfg.Engine, "err", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				level.Error(logger).Log("msg", "metrics listener", "err", err)
			}
		}()
		level.Info(logger).Log("msg", "serving metrics", "addr", cfg.MetricsAddr)
	}

	srv := server.New(logger, registry, st, server.Options{MaxConnections: cfg.MaxConnections})

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe(cfg.Addr)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	level.Info(logger).Log("msg", "smoldb started", "engine", cfg.Engine, "dir", cfg.Dir, "addr", cfg.Addr)

	select {
	case sig := <-sigs:
		level.Info(logger).Log("msg", "shutting down", "signal", sig)
		srv.Shutdown()
	case err := <-errc:
		level.Error(logger).Log("msg", "server exited", "err", err)
	}

	if err := st.Close(); err != nil {
		level.Error(logger).Log("msg", "closing storage", "err", err)
	}

	level.Info(logger).Log("msg", "exiting...")
}
