// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// warden-master runs the coordinator node of a warden cluster. It
// accepts worker connections, keeps the fleet's shared files in sync,
// and routes distributed API requests.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/warden-fleet/warden/cluster/master"
	"github.com/warden-fleet/warden/lib/clock"
	"github.com/warden-fleet/warden/lib/config"
	"github.com/warden-fleet/warden/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "warden-master:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		logJSON     bool
		showVersion bool
	)
	pflag.StringVarP(&configPath, "config", "c", "/etc/warden/master.yaml", "path to the master configuration file")
	pflag.StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn, or error")
	pflag.BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	pflag.BoolVarP(&showVersion, "version", "V", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println("warden-master", version.Full())
		return nil
	}

	logger, err := buildLogger(logLevel, logJSON)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := master.New(cfg, master.DefaultCollaborators(cfg), clock.Real(), logger)
	if err != nil {
		return err
	}

	logger.Info("starting warden-master",
		"version", version.Info(),
		"config", configPath,
		"cluster", cfg.Cluster.Name,
	)
	return m.Run(ctx)
}

func buildLogger(level string, asJSON bool) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	options := &slog.HandlerOptions{Level: slogLevel}
	var handler slog.Handler
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, options)
	} else {
		handler = slog.NewTextHandler(os.Stderr, options)
	}
	return slog.New(handler), nil
}
