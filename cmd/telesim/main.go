// Command telesim serves a simulated monitoring server: the tag catalog,
// threshold and history REST API plus the websocket push stream, with a
// generator publishing readings for a small drilling rig.
//
// Usage:
//
//	telesim --addr :8000 --interval 1s
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/chosenoffset/telesync/internal/simulator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr     string
		interval time.Duration
		backfill time.Duration
		seed     uint64
		debug    bool
	)
	flagSet := pflag.NewFlagSet("telesim", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", ":8000", "listen address")
	flagSet.DurationVar(&interval, "interval", time.Second, "time between generated readings")
	flagSet.DurationVar(&backfill, "backfill", time.Hour, "history to pre-generate at startup")
	flagSet.Uint64Var(&seed, "seed", 0, "generator seed, 0 for a random one")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []simulator.Option{simulator.WithLogger(logger)}
	if seed != 0 {
		opts = append(opts, simulator.WithSeed(seed))
	}
	sim := simulator.New(simulator.DefaultSensors(), opts...)
	sim.Backfill(time.Now(), backfill, interval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sim.Run(ctx, interval)

	server := &http.Server{
		Addr:              addr,
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sim.Disconnect()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("simulated monitoring server listening",
		"addr", addr,
		"stream", simulator.StreamPath,
		"interval", interval)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
