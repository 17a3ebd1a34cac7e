// Package dynamo provides a model.Adapter backed by a DynamoDB table.
//
// Records live in one table keyed by a sharded partition key and the record
// id. Every item carries adapter-managed attributes:
//
//   - pk: "<entity_type>#<shard>", derived from the id
//   - entity_type, version, created_at, updated_at
//   - ttl: set on delete; items with an expired TTL are treated as gone
//   - _unique_pks: unique constraint keys held by the record
//
// Deletes are soft: the TTL is set to now and DynamoDB removes the item later.
// Reads and listings filter soft-deleted items out.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/tendril/internal/shard"
	"github.com/jacentio/tendril/model"
)

var _ model.Adapter = (*Adapter)(nil)

// API is the subset of the DynamoDB client the adapter uses.
// *dynamodb.Client satisfies it.
type API interface {
	dynamodb.QueryAPIClient
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Adapter persists model rows to DynamoDB.
type Adapter struct {
	client API
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithClock replaces time.Now for timestamps and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// New creates a new Adapter.
func New(client API, config Config, opts ...Option) *Adapter {
	config.validate()
	a := &Adapter{
		client: client,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Config returns the validated configuration.
func (a *Adapter) Config() Config {
	return a.config
}

// Session pins the timestamp shared by every write of one save.
type Session struct {
	Now time.Time
}

// Session returns a *Session stamped with the current time.
func (a *Adapter) Session(ctx context.Context) (model.Session, error) {
	return &Session{Now: a.now()}, nil
}

func (a *Adapter) clock(sess model.Session) time.Time {
	if s, ok := sess.(*Session); ok && !s.Now.IsZero() {
		return s.Now
	}
	return a.now()
}

// PrimaryKeyField returns "id", the table's sort key.
func (a *Adapter) PrimaryKeyField() string {
	return attrID
}

// partitionKey computes the sharded partition key for a record id.
func (a *Adapter) partitionKey(id string) string {
	return shard.PartitionKey(a.config.EntityType, id, a.config.NumShards)
}

func (a *Adapter) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: stringAttr(a.partitionKey(id)),
		attrID: stringAttr(id),
	}
}

// Get retrieves a record by id. Missing and soft-deleted records yield a nil row.
func (a *Adapter) Get(ctx context.Context, sess model.Session, id any) (model.Row, error) {
	item, err := a.getItem(ctx, idString(id))
	if err != nil || item == nil {
		return nil, err
	}
	if isDeletedAt(item, a.clock(sess)) {
		return nil, nil
	}
	return UnmarshalRow(item)
}

func (a *Adapter) getItem(ctx context.Context, id string) (map[string]types.AttributeValue, error) {
	result, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.config.Table),
		Key:            a.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return result.Item, nil
}

// GetBy returns the first record selected by q, in shard then id order.
func (a *Adapter) GetBy(ctx context.Context, sess model.Session, q model.Query) (model.Row, error) {
	rows, err := a.All(ctx, sess, q)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// All returns every live record selected by q. A Match query filters on
// equality; a raw query is used as a FilterExpression with Args bound to
// :p0, :p1, ... All shards are queried in parallel.
func (a *Adapter) All(ctx context.Context, sess model.Session, q model.Query) ([]model.Row, error) {
	names := TTLFilterNames()
	values := ttlFilterValues(a.clock(sess))
	filter, err := filterExpr(q, values, names)
	if err != nil {
		return nil, err
	}

	keys := shard.PartitionKeys(a.config.EntityType, a.config.NumShards)
	results := make([][]map[string]types.AttributeValue, len(keys))

	// Fast path for single shard (default)
	if len(keys) == 1 {
		results[0], err = a.queryShard(ctx, keys[0], filter, names, values)
		if err != nil {
			return nil, err
		}
	} else {
		var wg sync.WaitGroup
		errs := make(chan error, len(keys))

		for i, pk := range keys {
			wg.Add(1)
			go func(i int, pk string) {
				defer wg.Done()
				items, err := a.queryShard(ctx, pk, filter, names, values)
				if err != nil {
					errs <- fmt.Errorf("shard %02x: %w", i, err)
					return
				}
				results[i] = items
			}(i, pk)
		}

		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				return nil, err
			}
		}
	}

	var rows []model.Row
	for _, items := range results {
		for _, item := range items {
			row, err := UnmarshalRow(item)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	a.logger.Debug("queried records",
		"entity_type", a.config.EntityType,
		"shards", len(keys),
		"count", len(rows))
	return rows, nil
}

// queryShard pages through one partition. The expression maps are shared
// between shards and only read here.
func (a *Adapter) queryShard(ctx context.Context, pk, filter string, names map[string]string, values map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	exprValues := mergeExprValues(values, map[string]types.AttributeValue{
		":pk": stringAttr(pk),
	})

	var items []map[string]types.AttributeValue
	paginator := dynamodb.NewQueryPaginator(a.client, &dynamodb.QueryInput{
		TableName:                 aws.String(a.config.Table),
		KeyConditionExpression:    aws.String("pk = :pk"),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  mergeExprNames(names),
		ExpressionAttributeValues: exprValues,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// Insert creates a record. A missing id is generated as a UUID. Unique fields
// are claimed in the same transaction. An id held by a live record is
// reported as an unsuccessful save; a taken unique value returns
// ErrDuplicateValue.
func (a *Adapter) Insert(ctx context.Context, sess model.Session, m *model.Model, payload model.Row) (model.SaveResult, error) {
	id := idString(m.ID())
	if id == "" {
		id = uuid.NewString()
	}
	now := a.clock(sess)
	nowISO := now.UTC().Format(time.RFC3339)

	fields := userFields(payload)
	item, err := attributevalue.MarshalMap(map[string]any(fields))
	if err != nil {
		return model.SaveResult{}, fmt.Errorf("marshal item: %w", err)
	}

	// Set adapter-managed fields
	item[attrPK] = stringAttr(a.partitionKey(id))
	item[attrID] = stringAttr(id)
	item[attrEntityType] = stringAttr(a.config.EntityType)
	item[attrVersion] = numberAttr(1)
	item[attrCreatedAt] = stringAttr(nowISO)
	item[attrUpdatedAt] = stringAttr(nowISO)

	condNames := map[string]string{"#ttl": attrTTL}
	condValues := ttlFilterValues(now)

	uniques := a.uniqueValues(fields)
	if len(uniques) == 0 {
		_, err = a.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(a.config.Table),
			Item:                      item,
			ConditionExpression:       aws.String(reclaimableCondition(attrID)),
			ExpressionAttributeNames:  condNames,
			ExpressionAttributeValues: condValues,
		})
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return model.SaveResult{}, nil
		}
	} else {
		var items []types.TransactWriteItem
		var uniquePKs []string
		for _, field := range a.config.Unique {
			value, ok := uniques[field]
			if !ok {
				continue
			}
			pk := shard.UniqueConstraintPK(a.config.EntityType, field, value)
			uniquePKs = append(uniquePKs, pk)
			items = append(items, a.constraintPut(pk, id, field, value, now))
		}
		uniquePKsAttr, _ := attributevalue.MarshalList(uniquePKs)
		item[attrUniquePKs] = &types.AttributeValueMemberL{Value: uniquePKsAttr}

		entityIndex := len(items)
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:                 aws.String(a.config.Table),
				Item:                      item,
				ConditionExpression:       aws.String(reclaimableCondition(attrID)),
				ExpressionAttributeNames:  condNames,
				ExpressionAttributeValues: condValues,
			},
		})

		_, err = a.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		err = mapTransactionError(err, entityIndex)
		if errors.Is(err, errConditionFailed) {
			return model.SaveResult{}, nil
		}
	}
	if err != nil {
		return model.SaveResult{}, err
	}

	m.Put(attrVersion, int64(1))
	m.Put(attrCreatedAt, nowISO)
	m.Put(attrUpdatedAt, nowISO)
	return model.SaveResult{Success: true, Inserted: true, ID: id, Rows: 1}, nil
}

// Update writes the payload fields of an existing record and bumps its version.
// When the model carries a version, the write is conditional on it. Missing,
// soft-deleted and concurrently modified records are reported as an
// unsuccessful save.
func (a *Adapter) Update(ctx context.Context, sess model.Session, m *model.Model, payload model.Row) (model.SaveResult, error) {
	id := idString(m.ID())
	now := a.clock(sess)
	fields := userFields(payload)

	var expected *int64
	if v, ok := m.Lookup(attrVersion); ok {
		if n, ok := toInt64(v); ok {
			expected = &n
		}
	}

	var err error
	if uniques := a.uniqueValues(fields); len(uniques) > 0 {
		err = a.updateWithUniqueConstraints(ctx, id, fields, uniques, expected, now)
	} else {
		err = a.updateSimple(ctx, id, fields, expected, now)
	}
	if errors.Is(err, errConditionFailed) {
		return model.SaveResult{}, nil
	}
	if err != nil {
		return model.SaveResult{}, err
	}

	if expected != nil {
		m.Put(attrVersion, *expected+1)
	}
	m.Put(attrUpdatedAt, now.UTC().Format(time.RFC3339))
	return model.SaveResult{Success: true, ID: m.ID(), Rows: 1}, nil
}

// updateExpr builds the SET expression and condition shared by both update paths.
func updateExpr(fields model.Row, expected *int64, now time.Time) (string, string, map[string]string, map[string]types.AttributeValue, error) {
	names := map[string]string{
		"#updated_at": attrUpdatedAt,
		"#version":    attrVersion,
		"#ttl":        attrTTL,
	}
	values := map[string]types.AttributeValue{
		":updated_at": stringAttr(now.UTC().Format(time.RFC3339)),
		":zero":       numberAttr(0),
		":one":        numberAttr(1),
	}

	clauses, err := setClauses(fields, names, values)
	if err != nil {
		return "", "", nil, nil, err
	}
	clauses = append(clauses, "#updated_at = :updated_at", "#version = if_not_exists(#version, :zero) + :one")

	cond := "attribute_exists(id) AND attribute_not_exists(#ttl)"
	if expected != nil {
		values[":expected_version"] = numberAttr(*expected)
		cond += " AND #version = :expected_version"
	}
	return "SET " + strings.Join(clauses, ", "), cond, names, values, nil
}

// updateSimple performs a basic update without unique constraint handling.
func (a *Adapter) updateSimple(ctx context.Context, id string, fields model.Row, expected *int64, now time.Time) error {
	expr, cond, names, values, err := updateExpr(fields, expected, now)
	if err != nil {
		return err
	}

	_, err = a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(a.config.Table),
		Key:                       a.key(id),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return errConditionFailed
	}
	return err
}

// updateWithUniqueConstraints handles updates where unique fields may have changed.
// Old constraints are released and new ones claimed in the record's transaction.
func (a *Adapter) updateWithUniqueConstraints(ctx context.Context, id string, fields model.Row, uniques map[string]string, expected *int64, now time.Time) error {
	current, err := a.getItem(ctx, id)
	if err != nil {
		return err
	}
	if current == nil || isDeletedAt(current, now) {
		return errConditionFailed
	}

	// Extract old unique values from the current item
	oldUniques := make(map[string]string)
	for _, field := range a.config.Unique {
		if v, ok := current[field].(*types.AttributeValueMemberS); ok {
			oldUniques[field] = v.Value
		}
	}

	var changed []string
	for _, field := range a.config.Unique {
		newValue, ok := uniques[field]
		if !ok {
			continue
		}
		if oldValue, ok := oldUniques[field]; !ok || oldValue != newValue {
			changed = append(changed, field)
		}
	}
	if len(changed) == 0 {
		return a.updateSimple(ctx, id, fields, expected, now)
	}

	// Every constraint the record holds after this update
	var uniquePKs []string
	for _, field := range a.config.Unique {
		value, ok := uniques[field]
		if !ok {
			value, ok = oldUniques[field]
		}
		if ok {
			uniquePKs = append(uniquePKs, shard.UniqueConstraintPK(a.config.EntityType, field, value))
		}
	}

	var items []types.TransactWriteItem
	for _, field := range changed {
		if oldValue := oldUniques[field]; oldValue != "" {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(a.config.UniqueTable),
					Key:       constraintKey(shard.UniqueConstraintPK(a.config.EntityType, field, oldValue)),
				},
			})
		}
		newValue := uniques[field]
		pk := shard.UniqueConstraintPK(a.config.EntityType, field, newValue)
		items = append(items, a.constraintPut(pk, id, field, newValue, now))
	}

	expr, cond, names, values, err := updateExpr(fields, expected, now)
	if err != nil {
		return err
	}
	uniquePKsAttr, _ := attributevalue.MarshalList(uniquePKs)
	names["#unique_pks"] = attrUniquePKs
	values[":unique_pks"] = &types.AttributeValueMemberL{Value: uniquePKsAttr}
	expr += ", #unique_pks = :unique_pks"

	entityIndex := len(items)
	items = append(items, types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 aws.String(a.config.Table),
			Key:                       a.key(id),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		},
	})

	_, err = a.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapTransactionError(err, entityIndex)
}

// Delete marks a record for deletion by setting its TTL to now, bumps the
// version to fail concurrent updates, and releases its unique constraints.
// It reports false if the record was missing or already deleted.
func (a *Adapter) Delete(ctx context.Context, sess model.Session, m *model.Model) (bool, error) {
	id := idString(m.ID())
	now := a.clock(sess)

	result, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(a.config.Table),
		Key:                 a.key(id),
		UpdateExpression:    aws.String("SET #ttl = :now, #version = if_not_exists(#version, :zero) + :one"),
		ConditionExpression: aws.String("attribute_exists(id) AND (attribute_not_exists(#ttl) OR #ttl > :now)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl":     attrTTL,
			"#version": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":  numberAttr(now.Unix()),
			":zero": numberAttr(0),
			":one":  numberAttr(1),
		},
		ReturnValues: types.ReturnValueAllNew,
	})

	// Condition failure means missing or already deleted
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if l, ok := result.Attributes[attrUniquePKs].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			pk, ok := v.(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			if err := a.SetUniqueConstraintTTL(ctx, pk.Value, now.Unix()); err != nil {
				a.logger.Warn("failed to release unique constraint",
					"entity_type", a.config.EntityType,
					"id", id,
					"constraint", pk.Value,
					"error", err)
			}
		}
	}
	return true, nil
}

// SetUniqueConstraintTTL sets TTL on a unique constraint record.
func (a *Adapter) SetUniqueConstraintTTL(ctx context.Context, pk string, ttl int64) error {
	_, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(a.config.UniqueTable),
		Key:                 constraintKey(pk),
		UpdateExpression:    aws.String("SET #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_exists(pk) AND attribute_not_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": attrTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": numberAttr(ttl),
		},
	})

	// Ignore condition failure - missing or already has TTL
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

// uniqueValues returns the configured unique fields present in fields, as strings.
func (a *Adapter) uniqueValues(fields model.Row) map[string]string {
	var out map[string]string
	for _, field := range a.config.Unique {
		v, ok := fields[field]
		if !ok || v == nil {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[field] = idString(v)
	}
	return out
}

func (a *Adapter) constraintPut(pk, id, field, value string, now time.Time) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(a.config.UniqueTable),
			Item: map[string]types.AttributeValue{
				"pk":          stringAttr(pk),
				"sk":          stringAttr("CONSTRAINT"),
				"entity_type": stringAttr(a.config.EntityType),
				"field_name":  stringAttr(field),
				"field_value": stringAttr(value),
				"record_id":   stringAttr(id),
			},
			// Fails if another live record already holds this value
			ConditionExpression:       aws.String(reclaimableCondition("pk")),
			ExpressionAttributeNames:  map[string]string{"#ttl": attrTTL},
			ExpressionAttributeValues: ttlFilterValues(now),
		},
	}
}

func constraintKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": stringAttr(pk),
		"sk": stringAttr("CONSTRAINT"),
	}
}

// mapTransactionError maps DynamoDB transaction errors.
// entityIndex is the index of the record's own write item.
func mapTransactionError(err error, entityIndex int) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				if i == entityIndex {
					return errConditionFailed
				}
				// Must be a unique constraint
				return ErrDuplicateValue
			}
		}
	}

	return err
}
