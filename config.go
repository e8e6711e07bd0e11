package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"time"

	"vrlink/internal"
)

// loadConfig loads the configuration file, falling back to defaults when
// it does not exist yet
func (k *LinkServer) loadConfig() error {
	log.Println("🛠 Loading configuration...")

	config, err := internal.LoadConfig(k.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("⚠️ %s not found, using defaults", k.configPath)
		defaults := internal.DefaultConfig()
		if err := internal.ValidateConfig(&defaults); err != nil {
			return err
		}
		defaults.LastUpdated = time.Now()
		config = &defaults
	} else if err != nil {
		return fmt.Errorf("❌ Failed to load configuration: %w", err)
	}

	if !internal.SetLogLevel(config.LogLevel) {
		log.Printf("⚠️ Unknown log level %q, keeping info", config.LogLevel)
	}

	k.store = internal.NewConfigStore(config, k.configPath)
	k.watcher = internal.NewConfigWatcher(k.configPath, configPollInterval, k.applyConfig)

	log.Println("✅ Configuration loaded successfully")
	return nil
}

// applyConfig hot-applies a reloaded file. Transport and device changes
// need a restart.
func (k *LinkServer) applyConfig(config *internal.Config) error {
	previous := k.store.Get()
	k.store.Replace(config)
	k.applyHotSettings(*config)

	if config.Transport.DataPort != previous.Transport.DataPort ||
		config.Device.Name != previous.Device.Name {
		log.Println("⚠️ Transport or device settings changed, restart to apply")
	}
	return nil
}

// applyHotSettings pushes the fields that can change at runtime into the
// running components
func (k *LinkServer) applyHotSettings(config internal.Config) {
	log.Println("⚙️ Applying new configuration dynamically...")

	k.alerts.UpdateThresholds(config.AlertSettings)
	if k.capture != nil {
		k.capture.SetEnabled(config.Capture.Enabled)
	}
	internal.SetLogLevel(config.LogLevel)

	log.Println("✅ Configuration applied successfully")
}

// buildAPIServer creates the HTTP API server
func (k *LinkServer) buildAPIServer() {
	config := k.store.Get()

	opts := []internal.APIOption{
		internal.WithAPIWorkers(k.workers),
		internal.WithAPIAlerts(k.alerts),
		internal.WithAPIHealth(k.health),
		internal.WithAPIUpdateHook(k.applyHotSettings),
	}
	if k.history != nil {
		opts = append(opts, internal.WithAPIHistory(k.history))
	}

	mux := internal.NewAPIServer(k.store, k.session, opts...).Routes()
	if k.preview != nil {
		k.preview.Routes(mux)
	}

	k.apiServer = &http.Server{
		Addr:              config.API.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	k.resources.Add("api server", &internal.HttpServerResource{Server: k.apiServer})
}

// startControlSocket initializes the Unix socket the media pipeline drives
// the session through
func (k *LinkServer) startControlSocket() error {
	socketPath := k.store.Get().API.ControlSocket
	if socketPath == "" {
		log.Println("⚠️ Control socket disabled")
		return nil
	}

	if err := ensureRunDir(socketPath); err != nil {
		return fmt.Errorf("❌ Failed to create socket directory: %w", err)
	}

	k.control = internal.NewControlSocket(socketPath, k.session)
	if err := k.control.Start(); err != nil {
		return fmt.Errorf("❌ Failed to start control socket: %w", err)
	}
	k.resources.Add("control socket", k.control)

	log.Printf("✅ Control socket listening on %s", socketPath)
	return nil
}
