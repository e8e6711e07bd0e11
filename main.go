package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// ensureRunDir ensures that the directory of the control socket exists
func ensureRunDir(socketPath string) error {
	runDir := filepath.Dir(socketPath)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		log.Printf("📂 Directory %s does not exist, creating...", runDir)
		if err := os.MkdirAll(runDir, 0775); err != nil {
			return err
		}
		log.Printf("✅ Created directory: %s", runDir)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "config/config.json", "path to the configuration file")
	flag.Parse()

	log.Println("🚀 Starting vrlink streaming client...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewLinkServer(*configPath)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("❌ Error starting server: %v", err)
	}

	log.Println("✅ vrlink started, searching for a host")

	if err := server.Run(ctx); err != nil {
		log.Printf("❌ vrlink stopped with error: %v", err)
		os.Exit(1)
	}
	log.Println("🛑 vrlink has been shut down.")
}
