package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joeycumines/secure-fs-access/internal/bridge"
	"github.com/joeycumines/secure-fs-access/internal/config"
	"github.com/joeycumines/secure-fs-access/internal/logging"
)

// cli holds the state shared by every subcommand.
type cli struct {
	configPath string
	root       string
	sdk        int

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "sfa",
		Short:         "Secure file access for a mobile storage sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default $SFA_CONFIG or ~/.secure-fs-access/config.yaml)")
	flags.StringVar(&c.root, "root", "", "device root directory, overrides device.root")
	flags.IntVar(&c.sdk, "sdk", 0, "platform SDK version, overrides device.sdk_version")

	cmd.AddCommand(
		newServeCommand(c),
		newPickCommand(c),
		newFinishBackupCommand(c),
		newSaveKitCommand(c),
		newProfilesCommand(c),
		newGrantsCommand(c),
		newSchemeCommand(c),
		newVersionCommand(),
	)
	return cmd
}

// setup loads configuration, applies flag overrides and builds the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	if c.configPath == "" {
		p, err := config.GetConfigPath()
		if err != nil {
			return fmt.Errorf("failed to locate config: %w", err)
		}
		c.configPath = p
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("root") {
		cfg.Device.Root = c.root
	}
	if cmd.Flags().Changed("sdk") {
		cfg.Device.SDKVersion = c.sdk
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

// open wires an app for cmd. The caller must Close it.
func (c *cli) open(cmd *cobra.Command, dio deviceIO) (*app, error) {
	return newApp(cmd.Context(), c.cfg, c.configPath, c.logger, dio)
}

// callError is a failed bridge call surfaced on the command line.
type callError struct {
	method string
	body   *bridge.ErrorBody
}

func (e *callError) Error() string {
	if e.body.Message == "" {
		return fmt.Sprintf("%s: %s", e.method, e.body.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.method, e.body.Code, e.body.Message)
}

// call dispatches one method and prints its result as a JSON line.
func call(ctx context.Context, cmd *cobra.Command, d *bridge.Dispatcher, method string, data map[string]any) (map[string]any, error) {
	out, err := dispatch(ctx, d, method, data)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(out); err != nil {
			return nil, fmt.Errorf("failed to write result: %w", err)
		}
	}
	return out, nil
}
