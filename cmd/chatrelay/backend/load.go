package backend

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/pkg/config"
	"github.com/papercomputeco/chatrelay/pkg/logger"
)

// LoadConfig merges defaults, config.toml, CHATRELAY_* environment variables
// and the flags of cmd named by flagKeys into a Config.
func LoadConfig(cmd *cobra.Command, flagKeys []string) (*config.Config, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")

	v, err := config.InitViper(configDir)
	if err != nil {
		return nil, err
	}
	config.BindRegisteredFlags(v, cmd, config.Flags, flagKeys)

	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// NewLogger returns the service logger: colorized records on stdout, plus
// JSON records appended to logFile when it is set. The returned closer
// releases the log file.
func NewLogger(debug bool, logFile string) (*slog.Logger, io.Closer, error) {
	pretty := logger.New(logger.WithDebug(debug), logger.WithPretty(true))
	if logFile == "" {
		return pretty, io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	structured := logger.New(logger.WithDebug(debug), logger.WithJSON(true), logger.WithWriter(f))
	return logger.Multi(pretty, structured), f, nil
}
