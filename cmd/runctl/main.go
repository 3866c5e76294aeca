// Command runctl drives applyrun runs from a terminal.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var server string

	rootCmd := &cobra.Command{
		Use:           "runctl",
		Short:         "Control applyrun runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultServer := os.Getenv("APPLYRUN_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8000"
	}
	rootCmd.PersistentFlags().StringVarP(&server, "server", "s", defaultServer, "applyrun external API base URL")

	client := func() *Client { return NewClient(server) }

	var profileID string
	var follow bool
	startCmd := &cobra.Command{
		Use:   "start <job-id>",
		Short: "Start a desktop run for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Start(cmd.Context(), args[0], profileID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run:  %s\n", res.RunID)
			if res.VNCURL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "vnc:  %s\n", res.VNCURL)
			}
			if !follow {
				return nil
			}
			return Watch(cmd.Context(), server, res.RunID, cmd.OutOrStdout())
		},
	}
	startCmd.Flags().StringVarP(&profileID, "profile", "p", "", "profile id (default profile when empty)")
	startCmd.Flags().BoolVarP(&follow, "follow", "f", false, "watch the run after starting it")

	watchCmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Stream a run's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return Watch(cmd.Context(), server, args[0], cmd.OutOrStdout())
		},
	}

	continueCmd := &cobra.Command{
		Use:   "continue <run-id>",
		Short: "Release the run's pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			released, err := client().Continue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if released {
				fmt.Fprintln(cmd.OutOrStdout(), "gate released")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "no gate was waiting")
			}
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "run cancelled")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}

	rootCmd.AddCommand(startCmd, watchCmd, continueCmd, cancelCmd, statusCmd)
	return rootCmd
}
