package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"vrlink/internal"
)

const (
	systemMetricsInterval = 15 * time.Second
	storeTimeout          = 2 * time.Second
)

// startMetrics initializes Prometheus metrics collection
func (k *LinkServer) startMetrics() {
	k.metrics = internal.NewMetrics()
	k.metrics.ObserveErrors()
	k.metrics.StartSystemMetrics(systemMetricsInterval)
	k.resources.Add("metrics", k.metrics)

	log.Println("✅ Metrics collection started")
}

// initializeServices initializes all service components
func (k *LinkServer) initializeServices(ctx context.Context) error {
	config := k.store.Get()

	k.health = internal.NewHealthChecker()
	k.alerts = internal.NewAlertMonitor(config.AlertSettings, k.metrics, nil)

	if err := k.startCapture(config); err != nil {
		return err
	}

	if err := k.initializeDatabases(ctx, config); err != nil {
		return err
	}

	if err := k.startEgress(config); err != nil {
		return err
	}

	if err := k.startPreview(config); err != nil {
		return err
	}

	if err := k.createSession(ctx, config); err != nil {
		return err
	}

	k.startWorkers(config)
	k.registerHealthChecks()
	k.metricsSrv = internal.NewMetricsServer(config.API.MetricsAddress, k.metrics, k.health)

	if err := k.startControlSocket(); err != nil {
		return err
	}
	k.buildAPIServer()

	log.Println("✅ All services initialized successfully")
	return nil
}

// startCapture opens the pcap dump when enabled
func (k *LinkServer) startCapture(config internal.Config) error {
	if !config.Capture.Enabled {
		return nil
	}

	capture, err := internal.NewPacketCapture(config.Capture.Path, config.Capture.Snaplen)
	if err != nil {
		return fmt.Errorf("❌ Failed to start packet capture: %w", err)
	}
	k.capture = capture
	k.resources.Add("packet capture", capture)

	log.Printf("✅ Packet capture writing to %s", config.Capture.Path)
	return nil
}

// initializeDatabases initializes database connections
func (k *LinkServer) initializeDatabases(ctx context.Context, config internal.Config) error {
	if config.Database.MySQLEnabled {
		store, err := internal.NewSessionStore(ctx, config.Database)
		if err != nil {
			return fmt.Errorf("❌ Failed to initialize MySQL: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fmt.Errorf("❌ Failed to create session table: %w", err)
		}
		k.history = store
		k.resources.Add("mysql", store)
		log.Println("✅ MySQL session history enabled")
	} else {
		log.Println("⚠️ MySQL session history disabled")
	}

	if config.Database.RedisEnabled {
		peers, err := internal.NewPeerCache(ctx, config.Database)
		if err != nil {
			// the cache only speeds up reconnects
			log.Printf("⚠️ Redis unavailable, continuing without peer cache: %v", err)
		} else {
			k.peers = peers
			k.resources.Add("redis", peers)
			log.Println("✅ Redis peer cache initialized successfully")
		}
	}

	return nil
}

// startEgress creates the RTP forwarder
func (k *LinkServer) startEgress(config internal.Config) error {
	if !config.Egress.Enabled {
		return nil
	}

	egress, err := internal.NewRTPEgress(config.Egress, config.Device.RefreshRate, k.metrics)
	if err != nil {
		return fmt.Errorf("❌ Failed to initialize RTP egress: %w", err)
	}
	k.egress = egress
	k.resources.Add("rtp egress", internal.ResourceFunc(func() error {
		egress.Stop()
		return nil
	}))

	log.Printf("✅ RTP egress forwarding to %v", config.Egress.Destinations)
	return nil
}

// createSession builds the transport session and plans the first
// connection attempt
func (k *LinkServer) createSession(ctx context.Context, config internal.Config) error {
	collector := internal.NewLatencyCollector(nil)
	collector.OnRollover(k.queueTelemetry)

	opts := []internal.SessionOption{
		internal.WithCollector(collector),
		internal.WithMetrics(k.metrics),
	}
	if k.capture != nil {
		opts = append(opts, internal.WithPacketTap(k.capture))
	}
	if k.preview != nil {
		opts = append(opts, internal.WithMediaSink(k.preview))
	}

	session, err := internal.NewSession(internal.NewSessionConfig(&config), opts...)
	if err != nil {
		return fmt.Errorf("❌ Failed to create session: %w", err)
	}
	k.session = session

	host := config.Transport.RecoverHost
	if host == "" && k.peers != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		host, err = k.peers.LastHost(lookupCtx, config.Device.Name)
		cancel()
		if err != nil {
			log.Printf("⚠️ Failed to look up last host: %v", err)
		}
	}
	if host != "" {
		if err := session.RecoverConnection(host); err != nil {
			log.Printf("⚠️ Ignoring recover host %s: %v", host, err)
		} else {
			log.Printf("🔁 Will try to resume streaming from %s", host)
		}
	}

	log.Printf("✅ Session ready on UDP port %d", config.Transport.DataPort)
	return nil
}

// startWorkers registers the event consumers
func (k *LinkServer) startWorkers(config internal.Config) {
	k.workers = internal.NewWorkerPool(config.Session.SinkWorkers, config.Session.SinkQueueSize, k.metrics)

	k.workers.Register("connected", internal.EventHandlerFunc(k.onConnected))
	k.workers.Register("disconnected", internal.EventHandlerFunc(k.onDisconnected))
	k.workers.Register("frame_lost", internal.EventHandlerFunc(k.onFrameLost))
	k.workers.Register("change_settings", internal.EventHandlerFunc(k.onChangeSettings))
	k.workers.Register("video_frame", k.session.Stages())
	if k.egress != nil {
		k.workers.Register("video_frame", k.egress)
	}
	if k.preview != nil {
		k.workers.Register("video_frame", k.preview)
	}

	k.resources.Add("workers", internal.ResourceFunc(func() error {
		k.workers.Stop()
		return nil
	}))
}

// registerHealthChecks registers a check per component
func (k *LinkServer) registerHealthChecks() {
	k.health.Register("session", internal.SessionHealthCheck(k.session))
	k.health.Register("stream", internal.StreamHealthCheck(k.session.Collector(), k.alerts.Settings))
	if k.history != nil {
		k.health.Register("mysql", internal.PingHealthCheck("mysql", k.history))
	}
	if k.peers != nil {
		k.health.Register("redis", internal.PingHealthCheck("redis", k.peers))
	}
}

func (k *LinkServer) onConnected(ctx context.Context, ev internal.Event) error {
	e := ev.(internal.EventConnected)
	config := k.store.Get()
	log.Printf("🔗 Connected to %s (%s %dx%d)", e.Peer, e.Message.Codec, e.Message.VideoWidth, e.Message.VideoHeight)

	if k.peers != nil {
		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := k.peers.RememberHost(storeCtx, config.Device.Name, e.Peer.String())
		cancel()
		if err != nil {
			log.Printf("⚠️ Failed to remember host: %v", err)
		}
	}

	if k.history == nil {
		return nil
	}
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return k.history.RecordConnect(storeCtx, internal.SessionRecord{
		SessionID:   e.SessionID,
		Peer:        e.Peer.String(),
		Device:      config.Device.Name,
		Codec:       e.Message.Codec.String(),
		VideoWidth:  e.Message.VideoWidth,
		VideoHeight: e.Message.VideoHeight,
		StartTime:   time.Now(),
	})
}

func (k *LinkServer) onDisconnected(ctx context.Context, ev internal.Event) error {
	e := ev.(internal.EventDisconnected)
	log.Printf("🔌 Disconnected from %s: %s", e.Peer, e.Reason)

	if k.history == nil {
		return nil
	}
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return k.history.RecordDisconnect(storeCtx, e.SessionID, e.Reason, k.session.Collector().Snapshot(), time.Now())
}

func (k *LinkServer) onFrameLost(_ context.Context, ev internal.Event) error {
	e := ev.(internal.EventFrameLost)
	switch {
	case len(e.Losses) > 0:
		log.Printf("⚠️ Frame %d lost: %s", e.VideoFrameIndex, e.Losses[0].Kind)
	case e.Err != nil:
		log.Printf("⚠️ Frame %d not decodable: %v", e.VideoFrameIndex, e.Err)
	}
	return nil
}

func (k *LinkServer) onChangeSettings(_ context.Context, ev internal.Event) error {
	e := ev.(internal.EventChangeSettings)
	log.Printf("⚙️ Host changed settings: %+v", e.ChangeSettings)
	return nil
}

// queueTelemetry runs on the session goroutine and must not block
func (k *LinkServer) queueTelemetry(snap internal.TelemetrySnapshot) {
	select {
	case k.telemetry <- snap:
	default:
		k.metrics.IncrementDropped("telemetry_backlog")
	}
}

// publishTelemetry exports every closed second until ctx is done
func (k *LinkServer) publishTelemetry(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-k.telemetry:
			k.metrics.ObserveSnapshot(snap)

			id := k.session.ID()
			k.alerts.Evaluate(id, snap, k.session.State() == internal.StateConnected)

			if k.peers != nil && id != "" {
				pubCtx, cancel := context.WithTimeout(ctx, storeTimeout)
				if err := k.peers.PublishTelemetry(pubCtx, id, snap); err != nil {
					log.Printf("⚠️ Failed to publish telemetry: %v", err)
				}
				cancel()
			}
		}
	}
}
