// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// collabify-signal is the websocket relay that introduces collabify
// peers to each other. It forwards messages between clients subscribed
// to the same room topic and never sees document content.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/collabify/cmd/collabify/cli"
	"github.com/bureau-foundation/collabify/lib/config"
	"github.com/bureau-foundation/collabify/signaling"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		verbose    bool
	)
	flagSet := pflag.NewFlagSet("collabify-signal", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default $"+config.EnvironmentVariable+")")
	flagSet.StringVarP(&listen, "listen", "l", "", "listen address (default signal.listen from config)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every connection")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.Signal.Listen
	}

	logger := cli.NewCommandLogger(verbose).With("component", "signal")
	relay := signaling.NewServer(signaling.Config{
		IdleTimeout: cfg.Signal.IdleTimeout,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}
	server := &http.Server{
		Handler:           relay,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	logger.Info("signaling relay listening", "address", listener.Addr().String())

	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	stats := relay.Stats()
	logger.Info("shutting down", "connections", stats.Connections, "topics", stats.Topics)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
