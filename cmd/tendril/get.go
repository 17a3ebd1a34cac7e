package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, func(ctx context.Context, repo *repository) error {
			return runGet(ctx, repo, args[0], cmd.OutOrStdout())
		})
	},
}

func runGet(ctx context.Context, repo *repository, id string, w io.Writer) error {
	rec, found, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s %q not found", repo.Name(), id)
	}
	return printJSON(w, document(repo, rec))
}

func init() {
	rootCmd.AddCommand(getCmd)
}
