package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/tendril/model"
)

type repository = model.Repository[*model.Model]

// withRepository opens the configured model for the duration of fn.
func withRepository(cmd *cobra.Command, fn func(ctx context.Context, repo *repository) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	repo, closeFn, err := openRepository(ctx, cfg, modelName, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			slog.Warn("failed to close backend", "error", err)
		}
	}()
	return fn(ctx, repo)
}

// document is the printed form of a record: its stored fields plus the identifier.
func document(repo *repository, rec *model.Model) map[string]any {
	doc := make(map[string]any, len(rec.Data())+1)
	for k, v := range rec.Data() {
		doc[k] = v
	}
	doc[repo.PrimaryKeyField()] = rec.ID()
	return doc
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAssignment splits "field=value" and types the value. Fields with an
// encoder are decoded from their stored form; others are read as YAML
// scalars so numbers and booleans keep their type.
func parseAssignment(schema *model.Schema, arg string) (string, any, error) {
	field, raw, ok := strings.Cut(arg, "=")
	if !ok || field == "" {
		return "", nil, fmt.Errorf("expected field=value, got %q", arg)
	}
	if schema != nil {
		if f, ok := schema.Field(field); ok && f.Encoder != nil {
			v, err := f.Encoder.Decode(raw)
			if err != nil {
				return "", nil, fmt.Errorf("field %q: %w", field, err)
			}
			return field, v, nil
		}
	}
	v, err := parseValue(raw)
	if err != nil {
		return "", nil, fmt.Errorf("field %q: %w", field, err)
	}
	return field, v, nil
}

func parseValue(raw string) (any, error) {
	if raw == "" {
		return "", nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func parseAssignments(schema *model.Schema, args []string) (model.Row, error) {
	row := make(model.Row, len(args))
	for _, arg := range args {
		field, v, err := parseAssignment(schema, arg)
		if err != nil {
			return nil, err
		}
		row[field] = v
	}
	return row, nil
}

// parseMatch parses filter assignments into their stored form, so fields
// with an encoder compare equal to what Save wrote.
func parseMatch(schema *model.Schema, args []string) (model.Row, error) {
	row, err := parseAssignments(schema, args)
	if err != nil {
		return nil, err
	}
	for field, v := range row {
		f, ok := schema.Field(field)
		if !ok || f.Encoder == nil {
			continue
		}
		stored, err := f.Encoder.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		row[field] = stored
	}
	return row, nil
}
