package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/jacentio/tendril/model"
)

var (
	listWhere []string
	listRaw   string
	listArgs  []string
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	Long: `List records of the model, optionally filtered.

--where field=value selects records whose fields equal the given values.
--raw passes a backend-specific condition through (a filter expression
for dynamodb, an id prefix for bolt); --arg supplies its parameters.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, func(ctx context.Context, repo *repository) error {
			q, err := buildQuery(repo.Schema(), listWhere, listRaw, listArgs)
			if err != nil {
				return err
			}
			return runList(ctx, repo, q, cmd.OutOrStdout())
		})
	},
}

func buildQuery(schema *model.Schema, where []string, raw string, rawArgs []string) (model.Query, error) {
	if raw != "" {
		args := make([]any, 0, len(rawArgs))
		for _, a := range rawArgs {
			v, err := parseValue(a)
			if err != nil {
				return model.Query{}, err
			}
			args = append(args, v)
		}
		return model.Raw(raw, args...), nil
	}
	if len(where) == 0 {
		return model.Query{}, nil
	}
	match, err := parseMatch(schema, where)
	if err != nil {
		return model.Query{}, err
	}
	return model.Match(match), nil
}

func runList(ctx context.Context, repo *repository, q model.Query, w io.Writer) error {
	recs, err := repo.All(ctx, q)
	if err != nil {
		return err
	}
	docs := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		docs = append(docs, document(repo, rec))
	}
	return printJSON(w, docs)
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringArrayVarP(&listWhere, "where", "w", nil, "Filter as field=value (repeatable)")
	listCmd.Flags().StringVar(&listRaw, "raw", "", "Backend-specific raw condition")
	listCmd.Flags().StringArrayVar(&listArgs, "arg", nil, "Argument for --raw (repeatable)")
}
