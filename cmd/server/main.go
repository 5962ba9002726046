package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/skein-chat/skein/pkg/counter"
	"github.com/skein-chat/skein/pkg/database"
	"github.com/skein-chat/skein/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.skein/server.toml", "Path to config file")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	redisURL := flag.String("redis", "", "Redis URL for counters (overrides config)")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Handle --version flag
	if *version {
		fmt.Printf("Skein Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.HTTPPort = *port
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}
	if *redisURL != "" {
		config.Server.RedisURL = *redisURL
	}

	// Get database path with ~ expansion
	finalDBPath, err := config.DatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}

	// Ensure directory exists
	dbDir := filepath.Dir(finalDBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.Open(finalDBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	counters, err := counter.NewStore(config.Server.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer counters.Close()

	srv := server.NewServer(db, counters, config)

	log.Printf("Config: %s", *configPath)
	log.Printf("Database: %s", finalDBPath)
	log.Printf("Redis: %s", config.Server.RedisURL)
	log.Printf("Skein server %s starting on port %d", Version, config.Server.HTTPPort)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("Received %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
