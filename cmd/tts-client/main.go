// main package for the tts-client, the operator CLI of the tts-gateway.
package main

import (
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-gateway/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

// Flag descriptions.
const (
	flagConfigDesc = "Path to a TOML config file (defaults to the project configuration)"
	flagLogDirDesc = "Directory for the client log (defaults to paths.base_logs_dir)"
)

// Error messages.
const (
	errFailedToLoadConfig = "failed to load configuration: %w"
	errFailedToInitLogger = "failed to initialize logger: %w"
)

const logFileName = "tts-client.log"

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	logDir     string
	cfg        *config.Config
	log        *logger.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	state := &app{configPath: "", logDir: "", cfg: nil, log: nil}

	root := &cobra.Command{
		Use:           "tts-client",
		Short:         "Operate the tts-gateway: generate speech, manage keys and credits",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return state.setup()
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return state.close()
		},
	}

	root.PersistentFlags().StringVarP(&state.configPath, "config", "c", "", flagConfigDesc)
	root.PersistentFlags().StringVar(&state.logDir, "log-dir", "", flagLogDirDesc)

	root.AddCommand(
		newGenerateCmd(state),
		newKeysCmd(state),
		newCreditsCmd(state),
		newHistoryCmd(state),
		newVoicesCmd(state),
		newHealthCmd(state),
	)

	return root
}

// setup loads the configuration and opens the client log.
func (a *app) setup() error {
	bootstrapLog, err := logger.New(os.TempDir(), "tts-client-bootstrap.log")
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}
	defer bootstrapLog.Close()

	var cfg *config.Config

	if a.configPath != "" {
		data, readErr := os.ReadFile(a.configPath)
		if readErr != nil {
			return fmt.Errorf(errFailedToLoadConfig, readErr)
		}

		cfg, err = config.Parse(data)
	} else {
		cfg, err = config.Load(bootstrapLog)
	}

	if err != nil {
		return fmt.Errorf(errFailedToLoadConfig, err)
	}

	logDir := a.logDir
	if logDir == "" {
		logDir = cfg.Paths.BaseLogsDir
	}

	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}

	log, err := logger.New(logDir, logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}

	a.cfg = cfg
	a.log = log

	return nil
}

func (a *app) close() error {
	if a.log == nil {
		return nil
	}

	err := a.log.Close()
	a.log = nil

	return err
}
