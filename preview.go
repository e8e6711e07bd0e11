package main

import (
	"fmt"
	"log"

	"vrlink/internal"
)

// startPreview initializes the WebRTC preview of the received video
func (k *LinkServer) startPreview(config internal.Config) error {
	if !config.Preview.Enabled {
		log.Println("⚠️ WebRTC preview is disabled in configuration")
		return nil
	}

	log.Println("🎬 Initializing WebRTC preview...")

	preview, err := internal.NewPreviewServer(config.Preview, config.Device.RefreshRate, k.metrics)
	if err != nil {
		return fmt.Errorf("❌ Failed to initialize WebRTC preview: %w", err)
	}
	k.preview = preview
	k.resources.Add("webrtc preview", preview)

	log.Printf("✅ WebRTC preview ready for up to %d viewers", config.Preview.MaxViewers)
	return nil
}
