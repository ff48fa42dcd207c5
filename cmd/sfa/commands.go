package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joeycumines/secure-fs-access/internal/bridge"
	"github.com/joeycumines/secure-fs-access/internal/platform/hostdevice"
	"github.com/joeycumines/secure-fs-access/internal/policy"
	"github.com/joeycumines/secure-fs-access/internal/session"
)

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve bridge calls as newline-delimited JSON on stdin/stdout",
		Long: `Reads one JSON call per line from stdin and writes one JSON response per line
to stdout. Pickers are requested with "launchPicker" events; the host answers
them with deliverPick or cancelPick calls. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Device.Permission == string(hostdevice.PermissionAsk) {
				c.logger.Warn("stdin carries bridge calls, storage permission prompts will be denied")
			}
			// stdin belongs to the bridge, so the device never prompts
			a, err := c.open(cmd, deviceIO{})
			if err != nil {
				return err
			}
			defer a.Close()

			server := bridge.NewServer(cmd.OutOrStdout(), c.logger.Named("server"))
			picks := session.NewAsyncPicker(server, c.logger.Named("picker"))
			d := a.dispatcher(picks, picks)

			c.logger.Info("serving bridge calls", zap.Strings("methods", d.Methods()))
			err = server.Serve(cmd.Context(), cmd.InOrStdin(), d)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newPickCommand(c *cli) *cobra.Command {
	var selections []string
	cmd := &cobra.Command{
		Use:   "pick file|folder NAME",
		Short: "Pick a file or a destination folder for NAME",
		Long: `Runs one pick. The picker answers with each --selection in turn, then prompts
on stdin. An empty answer dismisses the picker.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd, deviceIO{
				In:         cmd.InOrStdin(),
				Out:        cmd.ErrOrStderr(),
				Selections: selections,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			_, err = call(cmd.Context(), cmd, a.dispatcher(a.device, nil), bridge.MethodShowPicker, map[string]any{
				"type":        args[0],
				"defaultPath": args[1],
			})
			return err
		},
	}
	cmd.Flags().StringArrayVar(&selections, "selection", nil, "scripted picker answer (uri or path), repeatable")
	return cmd
}

func newFinishBackupCommand(c *cli) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "finish-backup NAME",
		Short: "Stage a backup in the private cache and publish it to Downloads",
		Long: `Stages NAME in the private cache, optionally filling it from --from, then
publishes it to the public Downloads collection through the media broker.
Only available on the SDK version that redirects backups.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd, deviceIO{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			d := a.dispatcher(a.device, nil)
			if policy.ShowsPicker(policy.SchemeFor(c.cfg.Device.SDKVersion)) {
				// reports the unsupported scheme
				_, err := call(ctx, cmd, d, bridge.MethodFinishBackup, nil)
				return err
			}

			staged, err := dispatch(ctx, d, bridge.MethodShowPicker, map[string]any{
				"type":        "file",
				"defaultPath": args[0],
			})
			if err != nil {
				return err
			}
			token, _ := staged["token"].(string)
			path, _ := staged["selected"].(string)
			if staged["state"] != session.StateStaged.String() {
				return fmt.Errorf("backup name %q rejected", args[0])
			}
			if from != "" {
				if err := stageFile(from, path); err != nil {
					return err
				}
			}
			_, err = call(ctx, cmd, d, bridge.MethodFinishBackup, map[string]any{"token": token})
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "file whose contents become the backup")
	return cmd
}

// stageFile copies src into the staged cache path.
func stageFile(src, staged string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open backup source: %w", err)
	}
	defer f.Close()
	if err := afero.WriteReader(afero.NewOsFs(), staged, f); err != nil {
		return fmt.Errorf("failed to stage backup: %w", err)
	}
	return nil
}

func newSaveKitCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "save-kit FROM DEST",
		Short: "Save the recovery kit FROM (relative to Downloads) to DEST",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd, deviceIO{})
			if err != nil {
				return err
			}
			defer a.Close()
			_, err = call(cmd.Context(), cmd, a.dispatcher(a.device, nil), bridge.MethodSaveRecoveryKit, map[string]any{
				"fromRelativePath": args[0],
				"selectedPath":     args[1],
			})
			return err
		},
	}
}

func newProfilesCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage folders in the private profile namespace",
	}
	cmd.AddCommand(
		profileCommand(c, "list FOLDER", "List the entries of FOLDER", 1, bridge.MethodListProfileFolders,
			func(args []string) map[string]any { return map[string]any{"folder": args[0]} }),
		profileCommand(c, "ensure FOLDER", "Create FOLDER if it does not exist", 1, bridge.MethodEnsureProfileFolder,
			func(args []string) map[string]any { return map[string]any{"folder": args[0]} }),
		profileCommand(c, "rename OLD NEW", "Rename folder OLD to NEW", 2, bridge.MethodRenameProfileFolder,
			func(args []string) map[string]any { return map[string]any{"oldName": args[0], "newName": args[1]} }),
		profileCommand(c, "rm FOLDER", "Delete FOLDER and everything beneath it", 1, bridge.MethodRemoveProfileFolder,
			func(args []string) map[string]any { return map[string]any{"folder": args[0]} }),
	)
	return cmd
}

func profileCommand(c *cli, use, short string, nargs int, method string, data func([]string) map[string]any) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd, deviceIO{})
			if err != nil {
				return err
			}
			defer a.Close()
			_, err = call(cmd.Context(), cmd, a.dispatcher(a.device, nil), method, data(args))
			return err
		},
	}
}

func newGrantsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Inspect and release persisted permission grants",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List persisted grants",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := c.open(cmd, deviceIO{})
				if err != nil {
					return err
				}
				defer a.Close()
				_, err = call(cmd.Context(), cmd, a.dispatcher(a.device, nil), bridge.MethodListGrants, nil)
				return err
			},
		},
		&cobra.Command{
			Use:   "release URI",
			Short: "Release the grant for URI",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := c.open(cmd, deviceIO{})
				if err != nil {
					return err
				}
				defer a.Close()
				_, err = call(cmd.Context(), cmd, a.dispatcher(a.device, nil), bridge.MethodReleaseGrant,
					map[string]any{"treeUri": args[0]})
				return err
			},
		},
	)
	return cmd
}

// schemeReport describes how the configured SDK version reaches storage.
type schemeReport struct {
	SDKVersion         int    `json:"sdkVersion"`
	Scheme             string `json:"scheme"`
	RequiresPermission bool   `json:"requiresPermission"`
	ShowsPicker        bool   `json:"showsPicker"`
	TakesGrant         bool   `json:"takesGrant"`
	UsesMediaBroker    bool   `json:"usesMediaBroker"`
	InitialLocation    bool   `json:"initialLocation"`
}

func newSchemeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "scheme",
		Short: "Show the storage addressing scheme for the configured SDK version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := c.cfg.Device.SDKVersion
			s := policy.SchemeFor(v)
			return json.NewEncoder(cmd.OutOrStdout()).Encode(schemeReport{
				SDKVersion:         v,
				Scheme:             s.String(),
				RequiresPermission: policy.RequiresStoragePermission(s),
				ShowsPicker:        policy.ShowsPicker(s),
				TakesGrant:         policy.TakesPersistableGrant(s),
				UsesMediaBroker:    policy.UsesMediaBroker(v),
				InitialLocation:    policy.SupportsInitialLocation(v),
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// no configuration needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "sfa version %s\n", version)
			return err
		},
	}
}

// dispatch runs one method without printing its result.
func dispatch(ctx context.Context, d *bridge.Dispatcher, method string, data map[string]any) (map[string]any, error) {
	resp := d.Dispatch(ctx, bridge.Call{Method: method, Data: data})
	if resp.Error != nil {
		return nil, &callError{method: method, body: resp.Error}
	}
	return resp.Data, nil
}
