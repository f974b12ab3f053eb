// Package relaycmder provides the relay server command.
package relaycmder

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/backend"
	"github.com/papercomputeco/chatrelay/pkg/config"
	"github.com/papercomputeco/chatrelay/relay"
)

// ShutdownGrace is how long in-flight turns may keep streaming after a
// shutdown signal before they are cancelled.
const ShutdownGrace = 15 * time.Second

type relayCommander struct {
	flags   flagValues
	debug   bool
	logFile string

	cfg *config.Config
}

type flagValues struct {
	listen         string
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

// Flags is the flag registry keys the relay command binds.
var Flags = []string{
	config.FlagRelayListenStandalone,
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

const relayLongDesc string = `Run the chat relay server.

The relay accepts chat turns on POST /api/chat, streams the model's reply
back as it is generated, and records each completed turn in the configured
conversation store. In-flight turns can be stopped with
DELETE /api/chat/<request id>.

Supported provider types: openrouter, openai, ollama
Supported storage drivers: memory, sqlite, postgres`

const relayShortDesc string = "Run the chat relay server"

func NewRelayCmd() *cobra.Command {
	cmder := &relayCommander{}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: relayShortDesc,
		Long:  relayLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.cfg, err = backend.LoadConfig(cmd, Flags)
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
	config.AddStringFlag(cmd, config.Flags, config.FlagRelayListenStandalone, &f.listen)
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

	return cmd
}

func (c *relayCommander) run(ctx context.Context, configDir string) error {
	log, closer, err := backend.NewLogger(c.debug, c.logFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	driver, err := backend.OpenStorage(ctx, c.cfg.Storage, configDir, log)
	if err != nil {
		return err
	}
	defer driver.Close()

	prov, err := backend.NewProvider(c.cfg.Provider, configDir)
	if err != nil {
		return err
	}

	pub, err := backend.NewPublisher(c.cfg.EventStream, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	server, err := relay.New(backend.RelayConfig(c.cfg, pub), driver, prov, log)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() { errChan <- server.Run() }()

	select {
	case err := <-errChan:
		return errors.Join(err, server.Close())
	case <-ctx.Done():
		log.Info("received signal, shutting down", "inflight", server.Inflight())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
