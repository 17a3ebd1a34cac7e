// Package stream turns DynamoDB Streams events for tables written by the
// dynamo adapter into model change notifications.
//
// Each stream image is matched to a model binding by its entity_type
// attribute, decoded through that binding (schema decoders and PostLoad
// included) and handed to a Listener. Soft deletes, where the adapter sets
// the TTL, are reported as deletes; the later TTL expiry removal is ignored.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tendril/adapter/dynamo"
	"github.com/jacentio/tendril/model"
)

// Action is the kind of change a stream record describes.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionModify Action = "MODIFY"
	ActionDelete Action = "DELETE"
)

// Change is a decoded stream record.
type Change struct {
	Action Action

	// Name is the binding the record was decoded with.
	Name string

	// Record is the new state, or the last state for deletes.
	Record model.Record

	// Changed lists the user fields that differ between the old and new
	// images of a modify, sorted by name.
	Changed []string
}

// Listener receives decoded changes. Returning an error fails the batch so
// the stream retries it.
type Listener func(ctx context.Context, c Change) error

// ConstraintReleaser expires unique constraint records. *dynamo.Adapter satisfies it.
type ConstraintReleaser interface {
	SetUniqueConstraintTTL(ctx context.Context, pk string, ttl int64) error
}

// Handler processes DynamoDB stream events.
type Handler struct {
	registry *model.Registry
	listener Listener
	releaser ConstraintReleaser
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a new stream handler. A nil listener only logs changes.
func NewHandler(registry *model.Registry, listener Listener, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = model.NewRegistry()
	}
	return &Handler{
		registry: registry,
		listener: listener,
		logger:   logger,
		now:      time.Now,
	}
}

// SetReleaser makes deletes also expire the unique constraints the record held.
// The dynamo adapter already does this on Delete; set it to cover deletes
// made outside the adapter.
func (h *Handler) SetReleaser(r ConstraintReleaser) {
	h.releaser = r
}

// HandleEvent processes a batch of stream records in order.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleEvent(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	oldImage := record.Change.OldImage
	newImage := record.Change.NewImage
	oldTTL := getNumberAttr(oldImage, "ttl")
	newTTL := getNumberAttr(newImage, "ttl")

	var action Action
	image := newImage
	switch record.EventName {
	case "INSERT":
		action = ActionInsert
	case "MODIFY":
		switch {
		case oldTTL != 0:
			// Already reported when the TTL was set
			return nil
		case newTTL != 0:
			action = ActionDelete
		default:
			action = ActionModify
		}
	case "REMOVE":
		if oldTTL != 0 {
			// TTL expiry of a soft-deleted record
			return nil
		}
		action = ActionDelete
		image = oldImage
		newTTL = h.now().Unix()
	default:
		return nil
	}

	entityType := getStringAttr(image, "entity_type")
	if entityType == "" || !h.registry.Has(entityType) {
		h.logger.Debug("skipping record for unknown entity type",
			"eventID", record.EventID,
			"entityType", entityType,
		)
		return nil
	}
	binding, err := h.registry.Lookup(entityType)
	if err != nil {
		return err
	}

	row, err := dynamo.UnmarshalRow(ConvertImage(image))
	if err != nil {
		return fmt.Errorf("decode %s image: %w", entityType, err)
	}
	rec, err := binding.Load(ctx, row)
	if err != nil {
		return err
	}
	if rec == nil || rec.Base() == nil {
		return fmt.Errorf("load %s: %w", entityType, model.ErrNilModel)
	}

	change := Change{Action: action, Name: binding.Name(), Record: rec}
	if action == ActionModify {
		oldRow, err := dynamo.UnmarshalRow(ConvertImage(oldImage))
		if err != nil {
			return fmt.Errorf("decode %s old image: %w", entityType, err)
		}
		change.Changed = changedFields(oldRow, row)
	}

	if action == ActionDelete && h.releaser != nil {
		for _, pk := range getStringListAttr(image, "_unique_pks") {
			if err := h.releaser.SetUniqueConstraintTTL(ctx, pk, newTTL); err != nil {
				h.logger.Warn("failed to set unique constraint TTL",
					"pk", pk,
					"error", err,
				)
				// Continue - idempotent, will retry
			}
		}
	}

	h.logger.Info("processed change",
		"action", action,
		"entityType", entityType,
		"id", rec.Base().ID(),
		"changed", len(change.Changed),
	)

	if h.listener == nil {
		return nil
	}
	if err := h.listener(ctx, change); err != nil {
		return fmt.Errorf("listener %s %s: %w", action, entityType, err)
	}
	return nil
}

// changedFields compares two rows, ignoring version and updated_at which
// every write touches.
func changedFields(oldRow, newRow model.Row) []string {
	seen := make(map[string]struct{})
	for _, row := range []model.Row{oldRow, newRow} {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	delete(seen, "version")
	delete(seen, "updated_at")

	var changed []string
	for _, k := range slices.Sorted(maps.Keys(seen)) {
		ov, inOld := oldRow[k]
		nv, inNew := newRow[k]
		if inOld != inNew || !reflect.DeepEqual(ov, nv) {
			changed = append(changed, k)
		}
	}
	return changed
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// getStringListAttr extracts a string list attribute from a DynamoDB stream image.
func getStringListAttr(image map[string]events.DynamoDBAttributeValue, key string) []string {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeList {
			var result []string
			for _, item := range v.List() {
				if item.DataType() == events.DataTypeString {
					result = append(result, item.String())
				}
			}
			return result
		}
	}
	return nil
}

// ConvertImage converts a DynamoDB stream image to SDK attribute values.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if av := convertValue(v); av != nil {
			result[k] = av
		}
	}
	return result
}

func convertValue(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}
	case events.DataTypeList:
		list := make([]types.AttributeValue, 0, len(v.List()))
		for _, item := range v.List() {
			if av := convertValue(item); av != nil {
				list = append(list, av)
			}
		}
		return &types.AttributeValueMemberL{Value: list}
	case events.DataTypeMap:
		return &types.AttributeValueMemberM{Value: ConvertImage(v.Map())}
	}
	return nil
}
