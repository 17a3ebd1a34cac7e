package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// deleteCmd represents the delete command
var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, func(ctx context.Context, repo *repository) error {
			return runDelete(ctx, repo, args[0], cmd.OutOrStdout())
		})
	},
}

func runDelete(ctx context.Context, repo *repository, id string, w io.Writer) error {
	rec, found, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s %q not found", repo.Name(), id)
	}
	ok, err := repo.Delete(ctx, rec)
	if err != nil {
		return err
	}
	return printJSON(w, map[string]any{"id": id, "deleted": ok})
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
