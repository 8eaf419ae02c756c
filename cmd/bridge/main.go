// Command bridge runs the Bridge Core: a bidirectional, stateful message
// gateway between a creative-coding host application and an external
// assistant process. See internal/wiring for how components are
// constructed and supervised; this file only parses the CLI surface and
// delegates.
//
// Exit codes: 0 success, 1 configuration error, 2 unrecoverable transport
// error, 3 state-store corruption.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yasunoritani/manxo-bridge/internal/config"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
	"github.com/yasunoritani/manxo-bridge/internal/wiring"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bridge",
		Short:         "Bridge Core: gateway between a creative-coding host and an assistant process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	run := newRunCmd()
	root.RunE = run.RunE
	root.AddCommand(run)
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newExportSchemaCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return configError{err}
			}
			logging.Init(logging.Config{
				Level:  levelFor(cfg.Debug),
				Format: "json",
			})
			return wiring.Run(cmd.Context(), cfg)
		},
	}
}

func newVerifyCmd() *cobra.Command {
	var statePath string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the persisted recovery state store is well-formed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wiring.VerifyState(statePath); err != nil {
				return stateCorruptionError{err}
			}
			fmt.Println("state store OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&statePath, "state", "./bridge_state.json", "path to the recovery state store")
	return cmd
}

func newExportSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-schema",
		Short: "Dump the L2 method catalogue's argument/result JSON Schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := wiring.ExportSchema()
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func levelFor(debug bool) string {
	if debug {
		return "debug"
	}
	return "info"
}

// configError/stateCorruptionError tag errors with the exit code policy
// from spec.md §6: 1 for configuration errors, 3 for state-store
// corruption; anything else (transport) exits 2.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }

type stateCorruptionError struct{ err error }

func (e stateCorruptionError) Error() string { return e.err.Error() }

func exitCodeFor(err error) int {
	fmt.Fprintln(os.Stderr, "bridge:", err)
	switch err.(type) {
	case configError:
		return 1
	case stateCorruptionError:
		return 3
	default:
		return 2
	}
}
