// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"golang.org/x/time/rate"

	"github.com/minfx-ai/minfx/backend"
	"github.com/minfx-ai/minfx/config"
	"github.com/minfx-ai/minfx/processor"
	"github.com/minfx-ai/minfx/syncer"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: minfx <command> [flags]

Commands:
  status   List queue directories under the root and their sync state
  sync     Deliver leftover operations to the configured backend
  clear    Remove fully-synchronized queue directories

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	dir := flag.String("dir", "", "Queue root directory (overrides configuration)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *dir != "" {
		cfg.Queue.Root = *dir
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	switch flag.Arg(0) {
	case "status":
		err = runStatus(cfg)
	case "sync":
		err = runSync(cfg, logger)
	case "clear":
		err = runClear(cfg, logger)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func runStatus(cfg *config.Config) error {
	entries, err := syncer.Status(cfg.Queue.Root)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no queue directories found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tMODE\tBACKEND\tPUT\tACK\tPENDING\tDIRECTORY")
	for _, e := range entries {
		addr := e.Metadata.BackendAddress
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			e.Metadata.RunID, e.Metadata.Mode, addr,
			e.LastPut, e.LastAck, e.Pending(), e.Dir)
	}
	return w.Flush()
}

func runSync(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolve := func(md processor.Metadata) (backend.Backend, error) {
		url := md.BackendAddress
		token := cfg.Backend.APIToken
		for _, be := range cfg.AllBackends() {
			if url == "" || be.URL == url {
				url = be.URL
				token = be.APIToken
				break
			}
		}
		if url == "" {
			return nil, fmt.Errorf("no backend configured for run %s", md.RunID)
		}
		return backend.NewHTTP(backend.HTTPConfig{
			BaseURL:         url,
			APIToken:        token,
			RequestDeadline: cfg.Backend.RequestDeadline,
			BackoffCap:      cfg.Backend.BackoffCap,
			RateLimit:       rate.Limit(cfg.Backend.RateLimit),
			RateBurst:       cfg.Backend.RateBurst,
			Logger:          logger,
		})
	}

	return syncer.Sync(ctx, cfg.Queue.Root, resolve, syncer.Config{
		BatchSize:     cfg.Queue.BatchSize,
		BatchMaxBytes: cfg.Queue.BatchMaxBytes,
		Logger:        logger,
	})
}

func runClear(cfg *config.Config, logger *slog.Logger) error {
	removed, err := syncer.Clear(cfg.Queue.Root, logger)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d synchronized director%s\n", removed, pluralY(removed))
	return nil
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
