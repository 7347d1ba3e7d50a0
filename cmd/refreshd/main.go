// Package main implements refreshd, the autonomous table refresh daemon.
// It watches the table store, re-fetches source tables on their schedules,
// and cascades content changes to dependent derived tables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mattburnham/data-formulator-sub001/internal/app"
	"github.com/mattburnham/data-formulator-sub001/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		backendURL  string
		httpAddr    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the table store and archive")
	flag.StringVar(&backendURL, "backend-url", "", "Backend data service base URL")
	flag.StringVar(&httpAddr, "http-addr", "", "Admin HTTP listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "refreshd - autonomous table refresh daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: refreshd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  refreshd --data-dir /var/lib/refreshd --backend-url http://localhost:5000\n")
		fmt.Fprintf(os.Stderr, "  refreshd --config /etc/refreshd/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  REFRESHD_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  REFRESHD_BACKEND_URL    Backend data service base URL\n")
		fmt.Fprintf(os.Stderr, "  REFRESHD_HTTP_ADDR      Admin HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  REFRESHD_ARCHIVE_TYPE   Archive storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  REFRESHD_LOG_LEVEL      Log level (debug, info, warn, error)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("refreshd version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// A local .env is convenient in development; absence is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, backendURL, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers configuration: defaults, then file, then environment,
// then command line flags.
func loadConfig(configFile, dataDir, backendURL, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if backendURL != "" {
		cfg.Backend.BaseURL = backendURL
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
