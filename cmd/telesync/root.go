package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/internal/config"
)

type runFlags struct {
	tags      []string
	dashboard string
	binary    bool
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringSliceVar(&f.tags, "tags", nil, "initial tag selection, comma separated (overrides config)")
	fs.StringVar(&f.dashboard, "dashboard", "", "dashboard listen address, \"off\" to disable (overrides config)")
	fs.BoolVar(&f.binary, "binary", false, "use CBOR binary frames on the stream")
}

// apply overrides cfg with the flags the user set.
func (f *runFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("tags") {
		cfg.Tags = f.tags
	}
	if fs.Changed("dashboard") {
		cfg.Dashboard.Addr = f.dashboard
		if strings.EqualFold(f.dashboard, "off") {
			cfg.Dashboard.Addr = ""
		}
	}
	if fs.Changed("binary") {
		cfg.Connection.BinaryFrames = f.binary
	}
	return cfg.Validate()
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "telesync",
		Short: "Live telemetry synchronization client",
		Long: `telesync keeps a bounded, live view of selected sensor tags from a
monitoring server, evaluates per-tag thresholds and records incidents.

Configuration is read from a YAML file (see 'telesync config init') and
TELESYNC_* environment variables, e.g. TELESYNC_UPSTREAM_API_URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file (default ./"+config.DefaultFileName+" when present)")

	load := func() (*config.Config, error) {
		return config.Load(resolveConfig(configPath))
	}

	root.AddCommand(
		newRunCmd(load),
		newValidateCmd(load),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// resolveConfig falls back to ./telesync.yaml when no path was given
// and the file exists.
func resolveConfig(path string) string {
	if path != "" {
		return path
	}
	if _, err := os.Stat(config.DefaultFileName); err == nil {
		return config.DefaultFileName
	}
	return ""
}

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the monitoring server and keep the view live",
		Long: `Connect to the monitoring server, subscribe to the selected tags and
keep their series, thresholds and incidents up to date until interrupted.

Examples:
  telesync run
  telesync run --tags pressure_1,temp_1
  telesync run --dashboard off`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := flags.apply(cmd.Flags(), cfg); err != nil {
				return err
			}
			return runClient(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newValidateCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK: %s, stream %s, tags %s\n",
				cfg.Upstream.APIURL, cfg.Upstream.WSURL, strings.Join(cfg.Tags, ","))
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	var (
		output string
		force  bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := config.Render(config.Default())
			if err != nil {
				return err
			}
			if output == "-" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			if _, err := os.Stat(output); err == nil && !force {
				return telerr.New(telerr.ErrConfig, output+" already exists", "Use --force to overwrite it")
			}
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return telerr.Wrap(err, telerr.ErrConfig, "write "+output)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", config.DefaultFileName, "file to write, - for stdout")
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "telesync %s (%s)\n", version, commit)
		},
	}
}
