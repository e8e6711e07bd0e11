package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"vrlink/internal"

	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout     = 5 * time.Second
	healthCheckInterval = 10 * time.Second
	configPollInterval  = 5 * time.Second
	telemetryBacklog    = 8
)

// LinkServer owns the transport session and every service around it
type LinkServer struct {
	configPath string
	store      *internal.ConfigStore

	metrics    *internal.Metrics
	health     *internal.HealthChecker
	alerts     *internal.AlertMonitor
	session    *internal.Session
	workers    *internal.WorkerPool
	egress     *internal.RTPEgress
	preview    *internal.PreviewServer
	capture    *internal.PacketCapture
	history    *internal.SessionStore
	peers      *internal.PeerCache
	control    *internal.ControlSocket
	apiServer  *http.Server
	metricsSrv *internal.MetricsServer
	watcher    *internal.ConfigWatcher
	resources  *internal.ResourceGroup

	telemetry chan internal.TelemetrySnapshot

	mu             sync.RWMutex
	isShuttingDown bool
}

// NewLinkServer creates a server reading its configuration from configPath
func NewLinkServer(configPath string) *LinkServer {
	return &LinkServer{
		configPath: configPath,
		resources:  internal.NewResourceGroup(),
		telemetry:  make(chan internal.TelemetrySnapshot, telemetryBacklog),
	}
}

// Start loads the configuration and builds every component. Nothing runs
// until Run.
func (k *LinkServer) Start(ctx context.Context) error {
	if err := k.loadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	k.startMetrics()

	if err := k.initializeServices(ctx); err != nil {
		k.resources.Close()
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	log.Println("✅ vrlink services initialized")
	return nil
}

// Run runs the session and the servers until ctx is done or one of them
// fails.
func (k *LinkServer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	k.workers.Start()
	k.health.Start(ctx, healthCheckInterval)

	g.Go(func() error {
		err := k.session.Run(ctx)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// the session closes its event channel when Run returns
		k.workers.Consume(k.session.Events())
		return nil
	})

	g.Go(func() error {
		k.publishTelemetry(ctx)
		return nil
	})

	g.Go(func() error {
		return k.watcher.Run(ctx)
	})

	g.Go(func() error {
		log.Printf("🌐 API server listening on %s", k.apiServer.Addr)
		if err := k.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return k.metricsSrv.ListenAndServe()
	})

	g.Go(func() error {
		<-ctx.Done()
		k.stopServing()
		return nil
	})

	err := g.Wait()
	k.Shutdown()
	return err
}

// stopServing makes every long running goroutine of Run return.
func (k *LinkServer) stopServing() {
	k.mu.Lock()
	if k.isShuttingDown {
		k.mu.Unlock()
		return
	}
	k.isShuttingDown = true
	k.mu.Unlock()

	log.Println("🔄 Starting graceful shutdown...")
	k.session.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := k.apiServer.Shutdown(ctx); err != nil {
		log.Printf("⚠️ Error shutting down API server: %v", err)
	}
	if err := k.metricsSrv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ Error shutting down metrics server: %v", err)
	}
}

// Shutdown releases every resource once the session has stopped.
func (k *LinkServer) Shutdown() {
	k.stopServing()

	if err := k.resources.Close(); err != nil {
		log.Printf("⚠️ Error releasing resources: %v", err)
	}
	log.Println("✅ Graceful shutdown completed")
}
