package main

import (
	"context"
	"io"

	"github.com/chosenoffset/telesync/internal/config"
	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/pkg/telesync"
	"github.com/chosenoffset/telesync/pkg/telesync/actions"
	"github.com/chosenoffset/telesync/pkg/telesync/dashboard"
	"github.com/chosenoffset/telesync/pkg/telesync/metrics"
)

// runClient runs a session until ctx is cancelled. Alerts are printed
// to stdout and logs go to stderr.
func runClient(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	logger := cfg.Log.NewLogger(stderr)
	collectors := metrics.New()

	registry := actions.NewActionRegistry()
	registry.RegisterHandler(actions.AlertAction, &actions.ConsoleAlertHandler{Out: stdout})
	registry.RegisterHandler(actions.LogAction, actions.NewLogHandler(logger))

	if cfg.Redis.Addr != "" {
		client, err := actions.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			return telerr.WrapWithSuggestion(err, telerr.ErrTransport, "incident mirror unavailable",
				"Start Redis at "+cfg.Redis.Addr+" or clear redis.addr")
		}
		defer client.Close()
		registry.RegisterHandler(actions.MirrorAction, actions.NewRedisMirror(client, cfg.Redis.Key, cfg.Redis.MaxLen))
		logger.Info("mirroring incidents to redis", "addr", cfg.Redis.Addr, "key", cfg.Redis.Key)
	}

	opts := cfg.Options()
	opts.Logger = logger
	opts.Metrics = collectors
	opts.Actions = registry

	session, err := telesync.New(opts)
	if err != nil {
		return err
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Addr != "" {
		dash = dashboard.NewServer(session, collectors, logger)
		registry.RegisterHandler(actions.DashboardAction, actions.NewDashboardHandler(dash.SendIncident))
		session.OnChange(dash.SendChange)
		go func() {
			if err := dash.ListenAndServe(cfg.Dashboard.Addr); err != nil {
				logger.Error("dashboard stopped", "error", err)
			}
		}()
	}

	session.OnChange(func(c telesync.Change) {
		if c.Kind == telesync.ChangeError && c.Err != nil {
			logger.Warn("session error", "error", c.Err)
		}
	})

	if err := session.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	session.Stop()
	if dash != nil {
		if err := dash.Stop(); err != nil {
			logger.Warn("dashboard shutdown", "error", err)
		}
	}
	logger.Info("telesync stopped", "incidents", len(session.Incidents()))
	return nil
}
