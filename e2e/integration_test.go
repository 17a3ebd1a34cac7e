//go:build e2e

// Package e2e contains end-to-end integration tests using real DynamoDB tables.
// Run with: go test -tags=e2e -v ./e2e/...
//
// TENDRIL_E2E_PROFILE selects the shared AWS profile and
// TENDRIL_E2E_ENDPOINT points the client at DynamoDB Local.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/tendril/adapter/dynamo"
	"github.com/jacentio/tendril/model"
)

// Table names are unique per test run to avoid conflicts
const tablePrefix = "tendril-e2e-test"

var (
	testID       string
	recordsTable string
	uniqueTable  string

	ddbClient *dynamodb.Client
)

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	recordsTable = fmt.Sprintf("%s-%s-records", tablePrefix, testID)
	uniqueTable = fmt.Sprintf("%s-%s-unique", tablePrefix, testID)

	fmt.Printf("Test ID: %s\n", testID)
	fmt.Printf("Tables:\n")
	fmt.Printf("  - Records: %s\n", recordsTable)
	fmt.Printf("  - Unique: %s\n", uniqueTable)

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if profile := os.Getenv("TENDRIL_E2E_PROFILE"); profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		fmt.Printf("Failed to load AWS config: %v\n", err)
		os.Exit(1)
	}

	ddbClient = dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint := os.Getenv("TENDRIL_E2E_ENDPOINT"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	if err := createTables(ctx); err != nil {
		fmt.Printf("Failed to create tables: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := deleteTables(ctx); err != nil {
		fmt.Printf("Failed to delete tables: %v\n", err)
	}

	os.Exit(code)
}

func createTables(ctx context.Context) error {
	fmt.Println("Creating test tables...")

	// Records table (pk, id) and unique constraints table (pk, sk)
	tables := map[string][2]string{
		recordsTable: {"pk", "id"},
		uniqueTable:  {"pk", "sk"},
	}
	for tableName, keys := range tables {
		_, err := ddbClient.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(tableName),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(keys[0]), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(keys[1]), KeyType: types.KeyTypeRange},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(keys[0]), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(keys[1]), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		if err != nil {
			return fmt.Errorf("create table %s: %w", tableName, err)
		}
	}

	for tableName := range tables {
		waiter := dynamodb.NewTableExistsWaiter(ddbClient)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(tableName),
		}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", tableName, err)
		}
	}

	fmt.Println("All tables created and active")
	return nil
}

func deleteTables(ctx context.Context) error {
	fmt.Println("Deleting test tables...")

	for _, tableName := range []string{recordsTable, uniqueTable} {
		_, err := ddbClient.DeleteTable(ctx, &dynamodb.DeleteTableInput{
			TableName: aws.String(tableName),
		})
		if err != nil {
			fmt.Printf("Warning: failed to delete table %s: %v\n", tableName, err)
		}
	}

	fmt.Println("Tables deleted")
	return nil
}

// Studio is a record type with typed accessors over the model.
type Studio struct {
	*model.Model
}

func (s Studio) Name() string {
	name, _ := s.Get("name").(string)
	return name
}

// newRepo binds entityType to the shared records table. Each call uses a
// fresh entity type so tests do not see each other's records.
func newRepo(t *testing.T, shards int, unique ...string) *model.Repository[Studio] {
	t.Helper()
	entityType := "studio-" + uuid.New().String()[:8]
	adapter := dynamo.New(ddbClient, dynamo.Config{
		Table:       recordsTable,
		UniqueTable: uniqueTable,
		EntityType:  entityType,
		Unique:      unique,
		NumShards:   shards,
	})
	repo, err := model.NewRepository(model.Config[Studio]{
		Name:    entityType,
		Adapter: adapter,
		Schema:  model.NewSchema(model.Field{Name: "opened", Encoder: model.Time(time.RFC3339)}),
		Wrap:    func(m *model.Model) Studio { return Studio{m} },
	})
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	return repo
}

// --- CRUD Tests ---

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	studios := newRepo(t, 1)

	opened := time.Date(2021, 6, 1, 9, 0, 0, 0, time.UTC)
	s := studios.New(model.Row{"name": "North", "opened": opened})
	if _, err := studios.Save(ctx, s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if s.ID() == nil {
		t.Fatal("expected generated id")
	}
	if s.Get("version") != int64(1) {
		t.Errorf("expected version 1, got %v", s.Get("version"))
	}

	got, found, err := studios.Get(ctx, s.ID())
	if err != nil || !found {
		t.Fatalf("Get failed: found=%v err=%v", found, err)
	}
	if got.Name() != "North" {
		t.Errorf("expected name North, got %q", got.Name())
	}
	if v, ok := got.Get("opened").(time.Time); !ok || !v.Equal(opened) {
		t.Errorf("expected opened %v, got %v", opened, got.Get("opened"))
	}
	if got.Get("created_at") == nil || got.Get("updated_at") == nil {
		t.Error("expected timestamps to be set")
	}
	if len(got.ChangedFields()) != 0 {
		t.Errorf("expected clean record, got changes %v", got.ChangedFields())
	}
}

func TestUpdate_OnlyChangedFields(t *testing.T) {
	ctx := context.Background()
	studios := newRepo(t, 1)

	s := studios.New(model.Row{"name": "North", "city": "Oslo"})
	if _, err := studios.Save(ctx, s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A stale copy changes a different field; it must not clobber name.
	stale, _, err := studios.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	s.Set("name", "North Star")
	if _, err := studios.Save(ctx, s); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if s.Get("version") != int64(2) {
		t.Errorf("expected version 2, got %v", s.Get("version"))
	}

	stale.Set("city", "Bergen")
	if _, err := studios.Save(ctx, stale); !errors.Is(err, model.ErrSaveFailed) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	got, _, err := studios.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name() != "North Star" || got.Get("city") != "Oslo" {
		t.Errorf("unexpected record %v", got.Data())
	}
}

func TestDelete_SoftDeleteHidesRecord(t *testing.T) {
	ctx := context.Background()
	studios := newRepo(t, 1)

	s := studios.New(model.Row{"id": uuid.New().String(), "name": "Gone"})
	if _, err := studios.Save(ctx, s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	ok, err := studios.Delete(ctx, s)
	if err != nil || !ok {
		t.Fatalf("expected delete to succeed, got (%v, %v)", ok, err)
	}

	_, found, err := studios.Get(ctx, s.ID())
	if err != nil || found {
		t.Errorf("expected soft deleted record to be absent, got found=%v err=%v", found, err)
	}

	ok, err = studios.Delete(ctx, s)
	if err != nil || ok {
		t.Errorf("expected second delete to report false, got (%v, %v)", ok, err)
	}

	// The id can be reused once the record is soft deleted
	again := studios.New(model.Row{"id": s.ID(), "name": "Back"})
	if _, err := studios.Save(ctx, again); err != nil {
		t.Fatalf("re-insert failed: %v", err)
	}
}

func TestUniqueConstraints(t *testing.T) {
	ctx := context.Background()
	studios := newRepo(t, 1, "slug")

	first := studios.New(model.Row{"name": "One", "slug": "one"})
	if _, err := studios.Save(ctx, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	dup := studios.New(model.Row{"name": "Other", "slug": "one"})
	if _, err := studios.Save(ctx, dup); !errors.Is(err, dynamo.ErrDuplicateValue) {
		t.Fatalf("expected ErrDuplicateValue, got %v", err)
	}

	// Changing the slug releases the old value
	first.Set("slug", "uno")
	if _, err := studios.Save(ctx, first); err != nil {
		t.Fatalf("slug change failed: %v", err)
	}
	if _, err := studios.Save(ctx, dup); err != nil {
		t.Fatalf("expected released slug to be claimable, got %v", err)
	}

	// Deleting releases the constraint
	if ok, err := studios.Delete(ctx, first); err != nil || !ok {
		t.Fatalf("delete failed: (%v, %v)", ok, err)
	}
	reuse := studios.New(model.Row{"name": "Reuse", "slug": "uno"})
	if _, err := studios.Save(ctx, reuse); err != nil {
		t.Fatalf("expected deleted record's slug to be claimable, got %v", err)
	}
}

func TestAll_AcrossShards(t *testing.T) {
	ctx := context.Background()
	studios := newRepo(t, 8)

	for i := range 12 {
		kind := "indie"
		if i%3 == 0 {
			kind = "major"
		}
		s := studios.New(model.Row{"name": fmt.Sprintf("studio-%02d", i), "kind": kind, "headcount": i})
		if _, err := studios.Save(ctx, s); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	all, err := studios.All(ctx, model.Query{})
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 12 {
		t.Errorf("expected 12 records, got %d", len(all))
	}

	majors, err := studios.All(ctx, model.Match(model.Row{"kind": "major"}))
	if err != nil {
		t.Fatalf("All with match failed: %v", err)
	}
	if len(majors) != 4 {
		t.Errorf("expected 4 majors, got %d", len(majors))
	}

	big, err := studios.All(ctx, model.Raw("headcount >= :p0", 9))
	if err != nil {
		t.Fatalf("All with raw filter failed: %v", err)
	}
	if len(big) != 3 {
		t.Errorf("expected 3 records with headcount >= 9, got %d", len(big))
	}

	one, found, err := studios.GetBy(ctx, model.Match(model.Row{"name": "studio-05"}))
	if err != nil || !found || one.Name() != "studio-05" {
		t.Errorf("GetBy failed: found=%v err=%v", found, err)
	}
}
