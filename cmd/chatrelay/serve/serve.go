// Package servecmder provides the serve command with subcommands for running services.
package servecmder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/papercomputeco/chatrelay/api"
	"github.com/papercomputeco/chatrelay/cmd/chatrelay/backend"
	apicmder "github.com/papercomputeco/chatrelay/cmd/chatrelay/serve/api"
	relaycmder "github.com/papercomputeco/chatrelay/cmd/chatrelay/serve/relay"
	"github.com/papercomputeco/chatrelay/pkg/config"
	"github.com/papercomputeco/chatrelay/relay"
)

type serveCommander struct {
	flags   flagValues
	debug   bool
	logFile string

	cfg    *config.Config
	logger *slog.Logger
}

type flagValues struct {
	relayListen    string
	apiListen      string
	provider       string
	upstream       string
	model          string
	storage        string
	sqlite         string
	postgres       string
	durableFlush   bool
	persistTimeout time.Duration
	eventStream    string
	kafkaBrokers   []string
	kafkaTopic     string
}

var serveFlags = []string{
	config.FlagRelayListen,
	config.FlagAPIListen,
	config.FlagProvider,
	config.FlagUpstream,
	config.FlagModel,
	config.FlagStorageDriver,
	config.FlagSQLite,
	config.FlagPostgres,
	config.FlagDurableFlush,
	config.FlagPersistTimeout,
	config.FlagEventStream,
	config.FlagKafkaBrokers,
	config.FlagKafkaTopic,
}

const serveLongDesc string = `Run chatrelay services.

Use subcommands to run individual services or all services together:
  chatrelay serve          Run the relay and the history API together
  chatrelay serve relay    Run just the relay
  chatrelay serve api      Run just the history API

Both servers share one conversation store when run together.`

const serveShortDesc string = "Run chatrelay services"

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.cfg, err = backend.LoadConfig(cmd, serveFlags)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			configDir, _ := cmd.Flags().GetString("config-dir")
			return cmder.run(cmd.Context(), configDir)
		},
	}

	f := &cmder.flags
	config.AddStringFlag(cmd, config.Flags, config.FlagRelayListen, &f.relayListen)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIListen, &f.apiListen)
	config.AddStringFlag(cmd, config.Flags, config.FlagProvider, &f.provider)
	config.AddStringFlag(cmd, config.Flags, config.FlagUpstream, &f.upstream)
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &f.model)
	config.AddStringFlag(cmd, config.Flags, config.FlagStorageDriver, &f.storage)
	config.AddStringFlag(cmd, config.Flags, config.FlagSQLite, &f.sqlite)
	config.AddStringFlag(cmd, config.Flags, config.FlagPostgres, &f.postgres)
	config.AddBoolFlag(cmd, config.Flags, config.FlagDurableFlush, &f.durableFlush)
	config.AddDurationFlag(cmd, config.Flags, config.FlagPersistTimeout, &f.persistTimeout)
	config.AddStringFlag(cmd, config.Flags, config.FlagEventStream, &f.eventStream)
	config.AddStringSliceFlag(cmd, config.Flags, config.FlagKafkaBrokers, &f.kafkaBrokers)
	config.AddStringFlag(cmd, config.Flags, config.FlagKafkaTopic, &f.kafkaTopic)
	cmd.Flags().StringVar(&cmder.logFile, "log-file", "", "Also append JSON logs to this file")

	cmd.AddCommand(relaycmder.NewRelayCmd())
	cmd.AddCommand(apicmder.NewAPICmd())

	return cmd
}

func (c *serveCommander) run(ctx context.Context, configDir string) error {
	log, closer, err := backend.NewLogger(c.debug, c.logFile)
	if err != nil {
		return err
	}
	defer closer.Close()
	c.logger = log

	// Shared store
	driver, err := backend.OpenStorage(ctx, c.cfg.Storage, configDir, c.logger)
	if err != nil {
		return err
	}
	defer driver.Close()

	prov, err := backend.NewProvider(c.cfg.Provider, configDir)
	if err != nil {
		return err
	}

	pub, err := backend.NewPublisher(c.cfg.EventStream, c.logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	relayServer, err := relay.New(backend.RelayConfig(c.cfg, pub), driver, prov, c.logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	apiServer := api.NewServer(api.Config{ListenAddr: c.cfg.API.Listen}, driver, c.logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := relayServer.Run(); err != nil {
			return fmt.Errorf("relay error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := apiServer.Run(); err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			c.logger.Info("received signal, shutting down", "inflight", relayServer.Inflight())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), relaycmder.ShutdownGrace)
		defer cancel()
		return errors.Join(relayServer.Shutdown(shutdownCtx), apiServer.Shutdown())
	})

	return g.Wait()
}
