package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/enclave"
)

var (
	configFile = flag.String("config", "", "Path to enclave configuration YAML file")
	pluginDir  = flag.String("plugins", "", "Plugin bundle directory (overrides config)")
	addr       = flag.String("addr", ":9090", "HTTP listen address for status and metrics")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("Invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	cfg := enclave.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = enclave.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	} else {
		logger.Info("No config file specified, using defaults")
	}
	if *pluginDir != "" {
		cfg.PluginDirectory = *pluginDir
	}

	mgr, err := enclave.NewManager(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create plugin manager: %v", err)
	}

	mgr.Bus().SubscribeAll(func(e enclave.Event) {
		switch v := e.(type) {
		case enclave.PluginLoaded:
			logger.Info("Plugin loaded", "plugin", v.Plugin, "loadTime", v.LoadTime)
		case enclave.PluginError:
			logger.Warn("Plugin error", "plugin", v.Plugin, "error", v.Err)
		case enclave.SecurityViolation:
			logger.Warn("Security violation", "plugin", v.PluginID, "type", v.Type, "severity", v.Severity)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("Failed to start plugin manager: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mgr.Metrics().Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"stats":   mgr.Stats(),
			"plugins": mgr.Snapshots(),
		})
	})

	server := &http.Server{
		Addr:    *addr,
		Handler: mux,
	}
	go func() {
		logger.Info("Starting status server", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Status server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")
	cancel()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Printf("Status server shutdown error: %v", err)
	}
	mgr.Shutdown(context.Background())
}
