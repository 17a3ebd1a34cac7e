package stream_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tendril/adapter/memory"
	"github.com/jacentio/tendril/model"
	"github.com/jacentio/tendril/stream"
)

type recorder struct {
	mu      sync.Mutex
	changes []stream.Change
	err     error
}

func (r *recorder) listen(ctx context.Context, c stream.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return r.err
}

type releaser struct {
	pks []string
	ttl int64
}

func (r *releaser) SetUniqueConstraintTTL(ctx context.Context, pk string, ttl int64) error {
	r.pks = append(r.pks, pk)
	r.ttl = ttl
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T) *model.Registry {
	t.Helper()
	people, err := model.NewRepository(model.Config[*model.Model]{
		Name:    "person",
		Adapter: memory.New(),
		Schema: model.NewSchema(
			model.Field{Name: "born", Encoder: model.Time(time.RFC3339)},
		),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	r := model.NewRegistry()
	r.MustRegister(people)
	return r
}

func personImage(id string, extra map[string]events.DynamoDBAttributeValue) map[string]events.DynamoDBAttributeValue {
	image := map[string]events.DynamoDBAttributeValue{
		"pk":          events.NewStringAttribute("person#00"),
		"id":          events.NewStringAttribute(id),
		"entity_type": events.NewStringAttribute("person"),
		"version":     events.NewNumberAttribute("1"),
	}
	for k, v := range extra {
		image[k] = v
	}
	return image
}

func record(name string, oldImage, newImage map[string]events.DynamoDBAttributeValue) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:   name + "-1",
		EventName: name,
		Change: events.DynamoDBStreamRecord{
			OldImage: oldImage,
			NewImage: newImage,
		},
	}
}

func handle(t *testing.T, h *stream.Handler, records ...events.DynamoDBEventRecord) {
	t.Helper()
	if err := h.HandleEvent(context.Background(), events.DynamoDBEvent{Records: records}); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
}

func TestNewHandler(t *testing.T) {
	// Nil registry, listener and logger should not panic
	h := stream.NewHandler(nil, nil, nil)
	if h == nil {
		t.Fatal("expected non-nil Handler")
	}
	handle(t, h, record("INSERT", nil, personImage("p1", nil)))
}

func TestHandleEvent_Empty(t *testing.T) {
	rec := &recorder{}
	h := stream.NewHandler(newRegistry(t), rec.listen, quietLogger())

	handle(t, h)
	if len(rec.changes) != 0 {
		t.Errorf("expected no changes, got %d", len(rec.changes))
	}
}

func TestHandleEvent_Insert(t *testing.T) {
	rec := &recorder{}
	h := stream.NewHandler(newRegistry(t), rec.listen, quietLogger())

	handle(t, h, record("INSERT", nil, personImage("p1", map[string]events.DynamoDBAttributeValue{
		"firstName": events.NewStringAttribute("John"),
		"born":      events.NewStringAttribute("1990-01-02T00:00:00Z"),
	})))

	if len(rec.changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(rec.changes))
	}
	c := rec.changes[0]
	if c.Action != stream.ActionInsert || c.Name != "person" {
		t.Errorf("expected person INSERT, got %s %s", c.Name, c.Action)
	}
	m := c.Record.Base()
	if m.ID() != "p1" || m.Get("firstName") != "John" {
		t.Errorf("unexpected record %v %v", m.ID(), m.Data())
	}
	if _, ok := m.Get("born").(time.Time); !ok {
		t.Errorf("expected born decoded through the schema, got %T", m.Get("born"))
	}
	if _, ok := m.Lookup("entity_type"); ok {
		t.Error("expected entity_type to be stripped")
	}
	if !m.IsPersisted() {
		t.Error("expected loaded record to be persisted")
	}
}

func TestHandleEvent_Modify(t *testing.T) {
	rec := &recorder{}
	h := stream.NewHandler(newRegistry(t), rec.listen, quietLogger())

	handle(t, h, record("MODIFY",
		personImage("p1", map[string]events.DynamoDBAttributeValue{
			"firstName": events.NewStringAttribute("John"),
			"lastName":  events.NewStringAttribute("Doe"),
		}),
		personImage("p1", map[string]events.DynamoDBAttributeValue{
			"firstName": events.NewStringAttribute("Jane"),
			"lastName":  events.NewStringAttribute("Doe"),
			"version":   events.NewNumberAttribute("2"),
		}),
	))

	if len(rec.changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(rec.changes))
	}
	c := rec.changes[0]
	if c.Action != stream.ActionModify {
		t.Errorf("expected MODIFY, got %s", c.Action)
	}
	if !slices.Equal(c.Changed, []string{"firstName"}) {
		t.Errorf("expected [firstName], got %v", c.Changed)
	}
	if c.Record.Base().Get("firstName") != "Jane" {
		t.Errorf("expected new image, got %v", c.Record.Base().Get("firstName"))
	}
}

func TestHandleEvent_SoftDelete(t *testing.T) {
	rec := &recorder{}
	rel := &releaser{}
	h := stream.NewHandler(newRegistry(t), rec.listen, quietLogger())
	h.SetReleaser(rel)

	handle(t, h, record("MODIFY",
		personImage("p1", nil),
		personImage("p1", map[string]events.DynamoDBAttributeValue{
			"ttl": events.NewNumberAttribute("1704067200"),
			"_unique_pks": events.NewListAttribute([]events.DynamoDBAttributeValue{
				events.NewStringAttribute("abc"),
			}),
		}),
	))

	if len(rec.changes) != 1 || rec.changes[0].Action != stream.ActionDelete {
		t.Fatalf("expected one DELETE, got %+v", rec.changes)
	}
	if !slices.Equal(rel.pks, []string{"abc"}) || rel.ttl != 1704067200 {
		t.Errorf("expected constraint abc released at the record TTL, got %v at %d", rel.pks, rel.ttl)
	}
}

func TestHandleEvent_SkipsAfterSoftDelete(t *testing.T) {
	rec := &recorder{}
	h := stream.NewHandler(newRegistry(t), rec.listen, quietLogger())
	ttl := map[string]events.DynamoDBAttributeValue{"ttl": events.NewNumberAttribute("1000")}

	handle(t, h,
		// Update to an already soft-deleted record
		record("MODIFY", personImage("p1", ttl), personImage("p1", ttl)),
		// TTL sweeper removal
		record("REMOVE", personImage("p1", ttl), nil),
	)

	if len(rec.changes) != 0 {
		t.Errorf("expected no changes, got %+v", rec.changes)
	}
}

func TestHandleEvent_HardRemove(t *testing.T) {
	rec := &recorder{}
	h := stream.NewHandler(newRegistry(t), rec.listen, quietLogger())

	handle(t, h, record("REMOVE", personImage("p1", nil), nil))

	if len(rec.changes) != 1 || rec.changes[0].Action != stream.ActionDelete {
		t.Fatalf("expected one DELETE, got %+v", rec.changes)
	}
	if rec.changes[0].Record.Base().ID() != "p1" {
		t.Errorf("expected old image to be decoded, got %v", rec.changes[0].Record.Base().ID())
	}
}

func TestHandleEvent_SkipsUnknownTypes(t *testing.T) {
	rec := &recorder{}
	h := stream.NewHandler(newRegistry(t), rec.listen, quietLogger())

	handle(t, h,
		record("INSERT", nil, map[string]events.DynamoDBAttributeValue{
			"id":          events.NewStringAttribute("x"),
			"entity_type": events.NewStringAttribute("ghost"),
		}),
		record("INSERT", nil, map[string]events.DynamoDBAttributeValue{
			"id": events.NewStringAttribute("x"),
		}),
		record("UNKNOWN", nil, personImage("p1", nil)),
	)

	if len(rec.changes) != 0 {
		t.Errorf("expected no changes, got %+v", rec.changes)
	}
}

func TestHandleEvent_ListenerErrorStopsBatch(t *testing.T) {
	rec := &recorder{err: errors.New("downstream unavailable")}
	h := stream.NewHandler(newRegistry(t), rec.listen, quietLogger())

	err := h.HandleEvent(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("INSERT", nil, personImage("p1", nil)),
		record("INSERT", nil, personImage("p2", nil)),
	}})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(rec.changes) != 1 {
		t.Errorf("expected processing to stop after the first failure, got %d changes", len(rec.changes))
	}
}

func TestHandleEvent_DecodeErrorFails(t *testing.T) {
	h := stream.NewHandler(newRegistry(t), nil, quietLogger())

	err := h.HandleEvent(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("INSERT", nil, personImage("p1", map[string]events.DynamoDBAttributeValue{
			"born": events.NewStringAttribute("not a time"),
		})),
	}})
	if err == nil {
		t.Error("expected decode error")
	}
}

func TestHandleEvent_PostLoadDropsRecord(t *testing.T) {
	people, err := model.NewRepository(model.Config[*model.Model]{
		Name:    "person",
		Adapter: memory.New(),
		Hooks: model.Hooks[*model.Model]{
			PostLoad: func(context.Context, model.Session, *model.Model) (*model.Model, error) {
				return nil, nil
			},
		},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	registry := model.NewRegistry()
	registry.MustRegister(people)

	rec := &recorder{}
	h := stream.NewHandler(registry, rec.listen, quietLogger())
	err = h.HandleEvent(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("INSERT", nil, personImage("p1", nil)),
	}})
	if !errors.Is(err, model.ErrNilModel) {
		t.Errorf("expected ErrNilModel, got %v", err)
	}
	if len(rec.changes) != 0 {
		t.Errorf("expected listener not to run, got %d changes", len(rec.changes))
	}
}

func TestConvertImage(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"s":    events.NewStringAttribute("text"),
		"n":    events.NewNumberAttribute("42"),
		"b":    events.NewBinaryAttribute([]byte{1, 2}),
		"bool": events.NewBooleanAttribute(true),
		"null": events.NewNullAttribute(),
		"ss":   events.NewStringSetAttribute([]string{"a", "b"}),
		"l": events.NewListAttribute([]events.DynamoDBAttributeValue{
			events.NewStringAttribute("x"),
		}),
		"m": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"inner": events.NewNumberAttribute("1"),
		}),
	}

	got := stream.ConvertImage(image)

	if v, ok := got["s"].(*types.AttributeValueMemberS); !ok || v.Value != "text" {
		t.Errorf("expected s to be 'text', got %v", got["s"])
	}
	if v, ok := got["n"].(*types.AttributeValueMemberN); !ok || v.Value != "42" {
		t.Errorf("expected n to be '42', got %v", got["n"])
	}
	if v, ok := got["b"].(*types.AttributeValueMemberB); !ok || len(v.Value) != 2 {
		t.Errorf("expected 2 bytes, got %v", got["b"])
	}
	if v, ok := got["bool"].(*types.AttributeValueMemberBOOL); !ok || !v.Value {
		t.Errorf("expected true, got %v", got["bool"])
	}
	if _, ok := got["null"].(*types.AttributeValueMemberNULL); !ok {
		t.Errorf("expected NULL, got %T", got["null"])
	}
	if v, ok := got["ss"].(*types.AttributeValueMemberSS); !ok || !slices.Equal(v.Value, []string{"a", "b"}) {
		t.Errorf("expected [a b], got %v", got["ss"])
	}
	if v, ok := got["l"].(*types.AttributeValueMemberL); !ok || len(v.Value) != 1 {
		t.Errorf("expected 1 list item, got %v", got["l"])
	}
	m, ok := got["m"].(*types.AttributeValueMemberM)
	if !ok {
		t.Fatalf("expected map, got %T", got["m"])
	}
	if v, ok := m.Value["inner"].(*types.AttributeValueMemberN); !ok || v.Value != "1" {
		t.Errorf("expected inner to be '1', got %v", m.Value["inner"])
	}
}

func TestConvertImage_Empty(t *testing.T) {
	if got := stream.ConvertImage(nil); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil map, got %v", got)
	}
}
