// Command server runs the comms realtime messaging broker.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/comms/pkg/database"
	"github.com/aeolun/comms/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.comms/config.toml", "Path to config file")
	httpPort := flag.Int("port", 0, "Public HTTP port (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpPort != 0 {
		config.Server.HTTPPort = *httpPort
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}

	serverConfig := config.ToServerConfig()
	if serverConfig.TokenSecret == "" {
		log.Fatalf("No token secret configured. Set auth.token_secret in %s or COMMS_AUTH_TOKEN_SECRET.", *configPath)
	}

	databasePath, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(databasePath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	store, err := database.Open(databasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	log.Printf("Database: %s", databasePath)

	resolver := server.NewTokenResolver([]byte(serverConfig.TokenSecret))
	srv := server.NewServer(store, serverConfig, resolver)
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	fmt.Printf("comms server listening on %s\n", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
