package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/api"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/credstore"
	"github.com/zulandar/courier/internal/db"
	"github.com/zulandar/courier/internal/dispatch"
	"github.com/zulandar/courier/internal/logging"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/notify/discord"
	"github.com/zulandar/courier/internal/notify/slack"
	"github.com/zulandar/courier/internal/session"
	"github.com/zulandar/courier/internal/transport/gateway"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Courier API server",
		Long:  "Starts the session controller, the dispatch engine and the HTTP API. Stops cleanly on SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Log, cmd.ErrOrStderr())

	store, err := openStore(cfg.Credentials)
	if err != nil {
		return err
	}
	factory, err := gateway.NewFactory(gateway.FactoryOpts{
		URL:            cfg.Transport.GatewayURL,
		Token:          cfg.Transport.Token,
		RequestTimeout: cfg.Transport.RequestTimeout(),
		Store:          store,
		Logger:         &logger,
	})
	if err != nil {
		return err
	}

	events := api.NewBroadcaster()
	notifiers, err := buildNotifiers(cfg.Notify, events)
	if err != nil {
		return err
	}
	async := notify.NewAsync(notifiers, &logger)
	defer async.Wait()

	ctrl, err := session.NewController(session.ControllerOpts{
		Factory:              factory,
		PairingTimeout:       cfg.Session.PairingTimeout(),
		ReconnectBackoff:     cfg.Session.ReconnectBackoff(),
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		Notifier:             async,
		Logger:               &logger,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	engine, err := dispatch.NewEngine(dispatch.EngineOpts{
		Sessions:            controllerSessions(ctrl),
		PollInterval:        cfg.Dispatch.PollInterval(),
		MaxDisconnectWait:   cfg.Dispatch.MaxDisconnectWait(),
		Retention:           cfg.Dispatch.Retention(),
		SerializePerSession: cfg.Dispatch.Serialize(),
		Notifier:            async,
		Logger:              &logger,
	})
	if err != nil {
		return err
	}
	// Tasks stop before the sessions they send through are torn down.
	defer engine.Close()

	janitor, err := dispatch.NewJanitor(engine, cfg.Dispatch.SweepSchedule, &logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Start(gctx, api.StartOpts{
			Addr:     cfg.Server.Addr,
			Sessions: ctrl,
			Tasks:    engine,
			Events:   events,
			Logger:   &logger,
			Out:      cmd.OutOrStdout(),
		})
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})

	err = g.Wait()
	fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
	return err
}

// openStore returns the credential store for the configured backend,
// migrating the schema for the database backends.
func openStore(cfg config.CredentialsConfig) (credstore.Store, error) {
	if cfg.Backend == config.BackendFile {
		fs, err := credstore.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	gormDB, err := db.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	ds, err := credstore.NewDBStore(gormDB)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// buildNotifiers assembles the event stream plus any configured chat
// channels.
func buildNotifiers(cfg config.NotifyConfig, events *api.Broadcaster) (notify.Multi, error) {
	out := notify.Multi{events}
	if cfg.Slack.Enabled() {
		n, err := slack.New(slack.NotifierOpts{BotToken: cfg.Slack.Token, ChannelID: cfg.Slack.Channel})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if cfg.Discord.Enabled() {
		n, err := discord.New(discord.NotifierOpts{BotToken: cfg.Discord.Token, ChannelID: cfg.Discord.Channel})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// controllerSessions adapts the session controller to the engine's lookup.
func controllerSessions(ctrl *session.Controller) dispatch.Sessions {
	return dispatch.SessionsFunc(func(id string) (dispatch.Session, bool) {
		s, ok := ctrl.Lookup(id)
		if !ok {
			return nil, false
		}
		return s, true
	})
}
