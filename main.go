package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appchat "dashscope-proxy/application/chat"
	"dashscope-proxy/infrastructure/dashscope"
	httpiface "dashscope-proxy/interfaces/http"
	"dashscope-proxy/internal/config"
	"dashscope-proxy/internal/usage"

	"github.com/sirupsen/logrus"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadYAML("")
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Configure logging level
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// Configure logging formatter per environment
	switch cfg.Logging.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetReportCaller(cfg.Logging.ReportCaller)

	logrus.WithFields(logrus.Fields{
		"port":     cfg.Server.Port,
		"host":     cfg.Server.Host,
		"base_url": cfg.Provider.BaseURL,
		"model":    cfg.Provider.Model,
	}).Info("Starting DashScope reasoning proxy")

	// Create base provider
	baseProvider := dashscope.NewProvider(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Model)

	// Wrap with circuit breaker for resilience
	circuitBreakerConfig := dashscope.CircuitBreakerConfig{
		Enabled:          cfg.CircuitBreaker.Enabled,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		MaxRequests:      cfg.CircuitBreaker.MaxRequests,
	}
	provider := dashscope.NewCircuitBreakerProvider(baseProvider, baseProvider, circuitBreakerConfig)

	logrus.WithFields(logrus.Fields{
		"enabled":           circuitBreakerConfig.Enabled,
		"failure_threshold": circuitBreakerConfig.FailureThreshold,
		"timeout":           circuitBreakerConfig.Timeout,
	}).Info("Circuit breaker configured")

	// Start the usage recorder
	recorder := usage.NewRecorder(cfg.Usage.Workers, cfg.Usage.BufferSize)
	if err := recorder.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to start usage recorder")
	}

	cacheSize := 0
	if cfg.Cache.Enabled {
		cacheSize = cfg.Cache.Size
	}

	service, err := appchat.NewService(provider, provider, recorder, cacheSize)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create chat service")
	}

	router := httpiface.NewRouterWithObservability(service, cfg.Server.CorsOrigins, provider, recorder)
	ginRouter := router.SetupRoutes()

	address := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              address,
		Handler:           ginRouter,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Streaming reasoning responses can stay open for a long time
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to listen for interrupt signal to trigger shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		logrus.WithField("address", address).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-c
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	} else {
		logrus.Info("Server shutdown complete")
	}

	if err := recorder.Stop(); err != nil {
		logrus.WithError(err).Error("Failed to stop usage recorder")
	}
}
