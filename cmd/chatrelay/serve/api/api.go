// Package apicmder provides the chat history API server cobra command.
package apicmder

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/api"
	"github.com/papercomputeco/chatrelay/cmd/chatrelay/backend"
	"github.com/papercomputeco/chatrelay/pkg/config"
)

type apiCommander struct {
	listen   string
	storage  string
	sqlite   string
	postgres string
	debug    bool
	logFile  string

	cfg *config.Config
}

// Flags is the flag registry keys the api command binds.
var Flags = []string{
	config.FlagAPIListenStandalone,
	config.FlagStorageDriver,
	config.FlagSQLite,
	config.FlagPostgres,
}

const apiLongDesc string = `Run the chat history API server.

The API serves the chats and messages the relay has recorded. Point it at
the same sqlite or postgres store as the relay.`

const apiShortDesc string = "Run the chat history API server"

func NewAPICmd() *cobra.Command {
	cmder := &apiCommander{}

	cmd := &cobra.Command{
		Use:   "api",
		Short: apiShortDesc,
		Long:  apiLongDesc,
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

	config.AddStringFlag(cmd, config.Flags, config.FlagAPIListenStandalone, &cmder.listen)
	config.AddStringFlag(cmd, config.Flags, config.FlagStorageDriver, &cmder.storage)
	config.AddStringFlag(cmd, config.Flags, config.FlagSQLite, &cmder.sqlite)
	config.AddStringFlag(cmd, config.Flags, config.FlagPostgres, &cmder.postgres)
	cmd.Flags().StringVar(&cmder.logFile, "log-file", "", "Also append JSON logs to this file")

	return cmd
}

func (c *apiCommander) run(ctx context.Context, configDir string) error {
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

	server := api.NewServer(api.Config{ListenAddr: c.cfg.API.Listen}, driver, log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() { errChan <- server.Run() }()

	select {
	case err := <-errChan:
		return errors.Join(err, server.Shutdown())
	case <-ctx.Done():
		log.Info("received signal, shutting down")
		return server.Shutdown()
	}
}
