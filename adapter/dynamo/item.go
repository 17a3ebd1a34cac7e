package dynamo

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tendril/model"
)

// Attribute names the adapter manages on every item.
const (
	attrPK         = "pk"
	attrID         = "id"
	attrEntityType = "entity_type"
	attrVersion    = "version"
	attrCreatedAt  = "created_at"
	attrUpdatedAt  = "updated_at"
	attrTTL        = "ttl"
	attrUniquePKs  = "_unique_pks"
)

// hidden attributes are stripped from loaded rows.
var hidden = []string{attrPK, attrEntityType, attrTTL, attrUniquePKs}

// isManaged reports whether a field is written by the adapter, never by callers.
func isManaged(field string) bool {
	switch field {
	case attrPK, attrID, attrEntityType, attrVersion, attrCreatedAt, attrUpdatedAt, attrTTL, attrUniquePKs:
		return true
	}
	return false
}

// UnmarshalRow converts a DynamoDB item into a model row. Internal attributes
// are dropped and version is returned as an int64.
func UnmarshalRow(item map[string]types.AttributeValue) (model.Row, error) {
	var raw map[string]any
	if err := attributevalue.UnmarshalMap(item, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	row := model.Row(raw)
	if row == nil {
		row = make(model.Row)
	}
	for _, k := range hidden {
		delete(row, k)
	}
	if v, ok := item[attrVersion].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			row[attrVersion] = n
		}
	}
	return row, nil
}

// userFields returns the payload without adapter-managed fields.
func userFields(payload model.Row) model.Row {
	out := make(model.Row, len(payload))
	for k, v := range payload {
		if !isManaged(k) {
			out[k] = v
		}
	}
	return out
}

// setClauses builds "#attrN = :valN" assignments for fields in name order.
func setClauses(fields model.Row, names map[string]string, values map[string]types.AttributeValue) ([]string, error) {
	keys := slices.Sorted(maps.Keys(fields))
	clauses := make([]string, 0, len(keys))
	for i, k := range keys {
		av, err := attributevalue.Marshal(fields[k])
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", k, err)
		}
		nameKey := fmt.Sprintf("#attr%d", i)
		valueKey := fmt.Sprintf(":val%d", i)
		names[nameKey] = k
		values[valueKey] = av
		clauses = append(clauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
	}
	return clauses, nil
}

// filterExpr builds the filter expression for a query, merged with the TTL filter.
// Match fields become equality tests; raw expressions get Args bound as :p0, :p1, ...
func filterExpr(q model.Query, values map[string]types.AttributeValue, names map[string]string) (string, error) {
	var clause string
	switch {
	case q.IsRaw():
		clause = q.Raw
		for i, arg := range q.Args {
			av, err := attributevalue.Marshal(arg)
			if err != nil {
				return "", fmt.Errorf("marshal query arg %d: %w", i, err)
			}
			values[fmt.Sprintf(":p%d", i)] = av
		}
	case len(q.Match) > 0:
		fields := slices.Sorted(maps.Keys(q.Match))
		parts := make([]string, 0, len(fields))
		for i, f := range fields {
			av, err := attributevalue.Marshal(q.Match[f])
			if err != nil {
				return "", fmt.Errorf("marshal match field %q: %w", f, err)
			}
			nameKey := fmt.Sprintf("#m%d", i)
			valueKey := fmt.Sprintf(":m%d", i)
			names[nameKey] = f
			values[valueKey] = av
			parts = append(parts, nameKey+" = "+valueKey)
		}
		clause = strings.Join(parts, " AND ")
	}
	if clause == "" {
		return TTLFilterExpr(), nil
	}
	return fmt.Sprintf("(%s) AND (%s)", clause, TTLFilterExpr()), nil
}

// idString renders a model identifier as the string sort key.
func idString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// toInt64 reads a numeric version value as loaded or set by callers.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
