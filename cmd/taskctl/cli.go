package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/nixpig/taskrunner/internal/control"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const version = "0.0.1"

type cli struct {
	client *control.Client
	socket string
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:          "taskctl",
		Short:        "CLI for controlling a running taskrunner",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			client, err := control.Dial(c.socket)
			if err != nil {
				return err
			}

			c.client = client

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.client == nil {
				return nil
			}

			// Connection needs to remain open for duration of any child commands.
			return c.client.Close()
		},
	}

	command.AddCommand(
		c.listCmd(),
		c.startCmd(),
		c.abortCmd(),
		c.killCmd(),
		c.killAllCmd(),
		c.streamCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&c.socket,
		"socket",
		control.DefaultSocketPath(),
		"Path to taskrunner control socket",
	)

	return command
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List running tasks",
		Example: "  taskctl list",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := c.client.List(cmd.Context())
			if err != nil {
				return mapError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "NAME\t\n")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t\n", name)
			}

			return w.Flush()
		},
	}
}

func (c *cli) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "start [flags] TASK",
		Short:   "Start a task from the task file",
		Example: "  taskctl start build",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Start(cmd.Context(), args[0]); err != nil {
				return mapError(err)
			}

			return nil
		},
	}
}

func (c *cli) abortCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "abort [flags] TASK",
		Short:   "Abort a running task",
		Example: "  taskctl abort server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Abort(cmd.Context(), args[0]); err != nil {
				return mapError(err)
			}

			return nil
		},
	}
}

func (c *cli) killCmd() *cobra.Command {
	var signal string

	command := &cobra.Command{
		Use:     "kill [flags] TASK",
		Short:   "Send a signal to a running task",
		Example: "  taskctl kill --signal HUP server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Kill(cmd.Context(), args[0], signal); err != nil {
				return mapError(err)
			}

			return nil
		},
	}

	command.Flags().StringVarP(&signal, "signal", "s", "TERM", "Signal to send")

	return command
}

func (c *cli) killAllCmd() *cobra.Command {
	var signal string

	command := &cobra.Command{
		Use:     "killall [flags]",
		Short:   "Send a signal to every running task",
		Example: "  taskctl killall --signal INT",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.KillAll(cmd.Context(), signal); err != nil {
				return mapError(err)
			}

			return nil
		},
	}

	command.Flags().StringVarP(&signal, "signal", "s", "TERM", "Signal to send")

	return command
}

func (c *cli) streamCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stream [flags] TASK",
		Short:   "Stream lines printed by a task",
		Example: "  taskctl stream server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := c.client.StreamLines(cmd.Context(), args[0])
			if err != nil {
				return mapError(err)
			}

			for {
				resp, err := stream.Recv()
				if err != nil {
					if err == io.EOF {
						break
					}

					if status.Code(err) == codes.Canceled {
						break
					}

					return mapError(err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), resp.GetValue())
			}

			return nil
		},
	}
}

// mapError translates gRPC errors to human-readable messages.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return errors.New("not found")
	case codes.PermissionDenied:
		return errors.New("permission denied")
	case codes.Unauthenticated:
		return errors.New("not authenticated")
	case codes.FailedPrecondition:
		return fmt.Errorf("%s", st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%s", st.Message())
	case codes.Unavailable:
		return errors.New("taskrunner unavailable")
	default:
		return fmt.Errorf("%s", st.Message())
	}
}
