// Command checkpoint is the operator-facing front end onto
// internal/checkpoint: create a snapshot on demand, list recorded
// snapshots, or restore one by id.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sessionpipe/internal/checkpoint"
	"sessionpipe/internal/paths"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Create, list, and restore working-tree checkpoints",
	}
	cmd.AddCommand(newCreateCmd(), newListCmd(), newRestoreCmd())
	return cmd
}

func resolveLayout() (*paths.Layout, error) {
	layout, err := paths.Resolve("")
	if err != nil {
		return nil, err
	}
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}
	return layout, nil
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <reason> [metadata-json]",
		Short: "Snapshot the working tree into a named stash without disturbing it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}

			var metadata map[string]any
			if len(args) == 2 && args[1] != "" {
				if err := json.Unmarshal([]byte(args[1]), &metadata); err != nil {
					return fmt.Errorf("metadata-json: %w", err)
				}
			}

			res := checkpoint.Create(cmd.Context(), layout.CheckpointsDir, layout.ProjectRoot, args[0], metadata, time.Now())
			if res.Error != "" {
				return fmt.Errorf("%s", res.Error)
			}
			return printJSON(res)
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded checkpoints, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			records, err := checkpoint.List(layout.CheckpointsDir)
			if err != nil {
				return err
			}
			return printJSON(records)
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Apply a recorded checkpoint's stash back onto the working tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			res := checkpoint.Restore(cmd.Context(), layout.CheckpointsDir, args[0])
			if res.Error != "" {
				return fmt.Errorf("%s", res.Error)
			}
			return printJSON(res)
		},
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
