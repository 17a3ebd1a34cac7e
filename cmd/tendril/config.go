package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/tendril/adapter/bolt"
	"github.com/jacentio/tendril/adapter/dynamo"
	"github.com/jacentio/tendril/model"
)

// fileConfig is the YAML config file.
type fileConfig struct {
	Backend  string                 `yaml:"backend"`
	Bolt     boltConfig             `yaml:"bolt"`
	DynamoDB dynamoConfig           `yaml:"dynamodb"`
	Models   map[string]modelConfig `yaml:"models"`
}

type boltConfig struct {
	Path string `yaml:"path"`
}

type dynamoConfig struct {
	Table       string `yaml:"table"`
	UniqueTable string `yaml:"unique_table"`
	NumShards   int    `yaml:"num_shards"`
	Region      string `yaml:"region"`
	Profile     string `yaml:"profile"`
	Endpoint    string `yaml:"endpoint"`
}

type modelConfig struct {
	Unique []string      `yaml:"unique"`
	Fields []fieldConfig `yaml:"fields"`
}

type fieldConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Layout  string `yaml:"layout"`
	Persist *bool  `yaml:"persist"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Backend == "" {
		cfg.Backend = "bolt"
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("config declares no models")
	}
	return &cfg, nil
}

// pickModel resolves the model to use. An empty name is allowed when the
// config declares exactly one model.
func (c *fileConfig) pickModel(name string) (string, modelConfig, error) {
	if name == "" {
		if len(c.Models) != 1 {
			return "", modelConfig{}, fmt.Errorf("--model is required, config declares %v", slices.Sorted(maps.Keys(c.Models)))
		}
		for n, m := range c.Models {
			return n, m, nil
		}
	}
	m, ok := c.Models[name]
	if !ok {
		return "", modelConfig{}, fmt.Errorf("model %q: %w", name, model.ErrNotRegistered)
	}
	return name, m, nil
}

// schema builds the model schema from the field declarations.
func (m modelConfig) schema() (*model.Schema, error) {
	fields := make([]model.Field, 0, len(m.Fields))
	for _, f := range m.Fields {
		if f.Name == "" {
			return nil, errors.New("field without a name")
		}
		field := model.Field{Name: f.Name}
		if f.Persist != nil {
			field.Transient = !*f.Persist
		}
		switch f.Type {
		case "", "string", "number", "bool":
		case "time":
			layout := f.Layout
			if layout == "" {
				layout = "2006-01-02T15:04:05Z07:00"
			}
			field.Encoder = model.Time(layout)
		case "json":
			field.Encoder = model.JSON[any]()
		default:
			return nil, fmt.Errorf("field %q: unknown type %q", f.Name, f.Type)
		}
		fields = append(fields, field)
	}
	return model.NewSchema(fields...), nil
}

// openRepository opens the configured backend and binds the named model.
// The returned func releases the backend.
func openRepository(ctx context.Context, cfg *fileConfig, name string, logger *slog.Logger) (*model.Repository[*model.Model], func() error, error) {
	name, mc, err := cfg.pickModel(name)
	if err != nil {
		return nil, nil, err
	}
	schema, err := mc.schema()
	if err != nil {
		return nil, nil, fmt.Errorf("model %s: %w", name, err)
	}

	var adapter model.Adapter
	closer := func() error { return nil }

	switch cfg.Backend {
	case "bolt":
		boltCfg := bolt.DefaultConfig(cfg.Bolt.Path)
		if boltCfg.Path == "" {
			boltCfg.Path = "tendril.db"
		}
		boltCfg.Logger = logger
		db, err := bolt.Open(boltCfg)
		if err != nil {
			return nil, nil, err
		}
		adapter = db.Adapter(name, mc.Unique...)
		closer = db.Close
	case "dynamodb":
		client, err := newDynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		adapter = dynamo.New(client, dynamo.Config{
			Table:       cfg.DynamoDB.Table,
			UniqueTable: cfg.DynamoDB.UniqueTable,
			EntityType:  name,
			Unique:      mc.Unique,
			NumShards:   cfg.DynamoDB.NumShards,
		}, dynamo.WithLogger(logger))
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	repo, err := model.NewRepository(model.Config[*model.Model]{
		Name:    name,
		Adapter: adapter,
		Schema:  schema,
		Logger:  logger,
	})
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return repo, closer, nil
}

func newDynamoClient(ctx context.Context, dc dynamoConfig) (*dynamodb.Client, error) {
	var opts []func(*config.LoadOptions) error
	if dc.Region != "" {
		opts = append(opts, config.WithRegion(dc.Region))
	}
	if dc.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(dc.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if dc.Endpoint != "" {
			o.BaseEndpoint = aws.String(dc.Endpoint)
		}
	}), nil
}
