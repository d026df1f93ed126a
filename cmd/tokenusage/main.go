// Package main is the entry point for the token usage service.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lazzyms/token-usage-metrics/bootstrap"
	"github.com/lazzyms/token-usage-metrics/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "tokenusage.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	hotReload := flag.Bool("hot-reload", true, "Enable hot reload of configuration")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tokenusage %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *validate {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration valid\n")
		fmt.Printf("  Backend: %s\n", cfg.Backend.Driver)
		fmt.Printf("  Buffer size: %d\n", cfg.Buffer.Size)
		fmt.Printf("  Flush interval: %s\n", cfg.Buffer.FlushInterval)
		os.Exit(0)
	}

	var app *bootstrap.App
	var err error

	if *hotReload {
		app, err = bootstrap.NewWithHotReload(*configPath)
	} else {
		cfg, loadErr := config.LoadWithFallback(*configPath)
		if loadErr != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", loadErr)
			os.Exit(1)
		}
		app, err = bootstrap.New(cfg)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
		os.Exit(1)
	}

	// Run blocks until shutdown
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
