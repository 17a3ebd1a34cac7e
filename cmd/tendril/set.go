package main

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jacentio/tendril/model"
)

// setCmd represents the set command
var setCmd = &cobra.Command{
	Use:   "set [id] field=value...",
	Short: "Create or update a record",
	Long: `Set fields on a record and save it.

When the first argument has no '=' it names the record to update; a
missing record is created with that id. Without an id a new record is
inserted and the backend assigns one. Only the given fields are written.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, func(ctx context.Context, repo *repository) error {
			return runSet(ctx, repo, args, cmd.OutOrStdout())
		})
	},
}

func runSet(ctx context.Context, repo *repository, args []string, w io.Writer) error {
	var id string
	if !strings.Contains(args[0], "=") {
		id, args = args[0], args[1:]
	}
	fields, err := parseAssignments(repo.Schema(), args)
	if err != nil {
		return err
	}

	var rec *model.Model
	if id != "" {
		existing, found, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if found {
			rec = existing
		}
	}
	if rec == nil {
		attrs := model.Row{}
		if id != "" {
			attrs[repo.PrimaryKeyField()] = id
		}
		rec = repo.New(attrs)
	}
	rec.SetAll(fields)

	slog.Debug("saving record", "model", repo.Name(), "id", rec.ID(), "fields", rec.ChangedFields())
	saved, err := repo.Save(ctx, rec)
	if err != nil {
		return err
	}
	return printJSON(w, document(repo, saved))
}

func init() {
	rootCmd.AddCommand(setCmd)
}
