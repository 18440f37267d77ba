package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/nixpig/taskrunner/internal/control"
	"github.com/nixpig/taskrunner/internal/taskfile"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const defaultFile = "tasks.yaml"

func rootCmd() *cobra.Command {
	cfg := &config{}

	c := &cobra.Command{
		Use:          "taskrunner",
		Short:        "Run named, restartable tasks under supervised broker processes",
		Version:      version,
		SilenceUsage: true,
	}

	c.PersistentFlags().AddFlagSet(fileFlags(cfg))

	c.AddCommand(runCmd(cfg), listCmd(cfg))

	c.CompletionOptions.HiddenDefaultCmd = true

	return c
}

// fileFlags are shared by every command that loads a task file.
func fileFlags(cfg *config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("file", pflag.ContinueOnError)

	fs.StringVarP(&cfg.file, "file", "f", defaultFile, "Path to task file")
	fs.BoolVar(&cfg.debug, "debug", false, "Enable debug logs")

	return fs
}

func runCmd(cfg *config) *cobra.Command {
	c := &cobra.Command{
		Use:   "run [flags] TASK...",
		Short: "Run tasks until they finish or a signal is received",
		Example: "  taskrunner run dev\n" +
			"  taskrunner run --series build test\n" +
			"  taskrunner run --control-socket /run/user/1000/taskrunner.sock dev",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}

			return runTasks(cmd.Context(), cfg, args)
		},
	}

	c.Flags().BoolVar(&cfg.series, "series", false, "Run tasks one after another instead of concurrently")

	c.Flags().StringVar(
		&cfg.controlSocket,
		"control-socket",
		"",
		fmt.Sprintf("Serve the control plane on a unix socket (e.g. %s)", control.DefaultSocketPath()),
	)

	return c
}

func listCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tasks defined in the task file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}

			file, err := taskfile.Load(cfg.file)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "NAME\tKIND\tDESCRIPTION\t\n")

			for _, name := range file.Names() {
				def := file.Tasks[name]
				fmt.Fprintf(w, "%s\t%s\t%s\t\n", name, def.Kind(), def.Desc)
			}

			return w.Flush()
		},
	}
}
