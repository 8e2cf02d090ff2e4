// Command otaflux runs the firmware resolution and caching service: the
// device-facing HTTP surface, the registry push-notification webhook, and
// (if configured) the MQTT update notifier, backed by the Fetch
// Orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sharedcode/otaflux"
	"github.com/sharedcode/otaflux/config"
	"github.com/sharedcode/otaflux/httpapi"
	"github.com/sharedcode/otaflux/metrics"
	"github.com/sharedcode/otaflux/notifier"
	"github.com/sharedcode/otaflux/orchestrator"
	"github.com/sharedcode/otaflux/registry"
	"github.com/sharedcode/otaflux/webhook"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error("otaflux exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	otaflux.ConfigureLogging(cfg.LogLevel)

	var verifier *registry.Verifier
	if cfg.CosignPubKeyPath != "" {
		verifier, err = registry.NewVerifier(cfg.CosignPubKeyPath)
		if err != nil {
			return otaflux.NewError(otaflux.ConfigError, err)
		}
	}

	gateway, err := registry.NewClient(registry.Config{
		RegistryURL:      cfg.RegistryURL,
		RepositoryPrefix: cfg.RepositoryPrefix,
		Username:         cfg.RegistryUsername,
		Password:         cfg.RegistryPassword,
		Insecure:         cfg.RegistryInsecure,
		Verifier:         verifier,
	})
	if err != nil {
		return err
	}

	registerer := prometheus.NewRegistry()
	gatherer := prometheus.Gatherer(registerer)
	sink := metrics.New(registerer)

	orch, err := orchestrator.New(gateway, sink, cfg.CacheSize, cfg.NegativeCacheTTL, cfg.MaxConcurrentFetches)
	if err != nil {
		return err
	}

	var notify otaflux.Notifier
	if cfg.MQTTURL != "" {
		n, err := notifier.New(notifier.Config{
			URL:            cfg.MQTTURL,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			Topic:          cfg.MQTTTopic,
			CACertPath:     cfg.MQTTCACertPath,
			ClientCertPath: cfg.MQTTClientCertPath,
			ClientKeyPath:  cfg.MQTTClientKeyPath,
		})
		if err != nil {
			return err
		}
		defer n.Close()
		notify = n
	}

	var webhookHandler gin.HandlerFunc
	if notify != nil {
		var admission *webhook.AdmissionFilter
		if cfg.WebhookAdmissionExpr != "" {
			admission, err = webhook.NewAdmissionFilter(cfg.WebhookAdmissionExpr)
			if err != nil {
				return otaflux.NewError(otaflux.ConfigError, err)
			}
		}
		webhookHandler = webhook.NewHandler(orch, notify, admission).ServeHTTP
	}

	router := httpapi.NewRouter(orch, webhookHandler)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metricsMux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 2)
	serve := func(name string, s *http.Server) {
		log.Info("otaflux listening", "server", name, "addr", s.Addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("%s server: %w", name, err)
			return
		}
		serveErr <- nil
	}
	go serve("http", server)
	go serve("metrics", metricsServer)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpErr := server.Shutdown(shutdownCtx)
	metricsErr := metricsServer.Shutdown(shutdownCtx)
	if httpErr != nil {
		return httpErr
	}
	return metricsErr
}
