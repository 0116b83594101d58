// Package audit provides the immutable audit trail for reads and writes on
// sensitive entities: the event model, the recorder that persists events,
// and the storage backends that hold the hot tier.
package audit

import (
	"reflect"
	"time"
)

// Action identifies what happened to an audited entity.
type Action string

// Supported actions.
const (
	ActionRead     Action = "READ"
	ActionBulkRead Action = "BULK_READ"
	ActionCreate   Action = "CREATE"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
)

// ValidActions lists every action an event may carry.
var ValidActions = map[Action]bool{
	ActionRead:     true,
	ActionBulkRead: true,
	ActionCreate:   true,
	ActionUpdate:   true,
	ActionDelete:   true,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return ValidActions[a]
}

// FieldMap is a plain snapshot of an entity's fields, already serialized by
// the calling domain service.
type FieldMap map[string]any

// Clone returns a deep copy of m. Nested maps and slices are copied so the
// snapshot never aliases caller-owned data.
func (m FieldMap) Clone() FieldMap {
	if m == nil {
		return nil
	}
	out := make(FieldMap, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case nil:
		return nil
	case FieldMap:
		return tv.Clone()
	case map[string]any:
		return map[string]any(FieldMap(tv).Clone())
	case []any:
		if tv == nil {
			return tv
		}
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64, time.Time:
		return tv
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

// cloneReflect handles maps, slices and arrays of arbitrary element types.
// Pointers and structs are copied shallowly.
func cloneReflect(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value(), rv.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneElem(rv.Index(i), rv.Type().Elem()))
		}
		return out
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneElem(rv.Index(i), rv.Type().Elem()))
		}
		return out
	}
	return rv
}

func cloneElem(v reflect.Value, elemType reflect.Type) reflect.Value {
	if elemType.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(elemType)
		}
		c := cloneValue(v.Interface())
		if c == nil {
			return reflect.Zero(elemType)
		}
		return reflect.ValueOf(c)
	}
	return cloneReflect(v)
}

// BulkRead describes a BULK_READ: how many records were returned and the
// filter that selected them.
type BulkRead struct {
	Count  int
	Filter FieldMap
}

// Event is one captured action against an audited entity. Events are
// created once by the Recorder and never modified afterwards.
type Event struct {
	ID         string
	EntityType string
	EntityID   string
	Action     Action
	ActorID    string
	OccurredAt time.Time

	// Optional origin metadata
	SourceAddress string
	ClientAgent   string
	RequestID     string

	// Snapshots; nil means absent.
	BeforeState FieldMap
	AfterState  FieldMap

	// ChangedFields is populated for UPDATE only.
	ChangedFields []string

	Note string

	// Bulk is populated for BULK_READ only.
	Bulk *BulkRead
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	out := e
	out.BeforeState = e.BeforeState.Clone()
	out.AfterState = e.AfterState.Clone()
	if e.ChangedFields != nil {
		out.ChangedFields = append([]string(nil), e.ChangedFields...)
	}
	if e.Bulk != nil {
		out.Bulk = &BulkRead{Count: e.Bulk.Count, Filter: e.Bulk.Filter.Clone()}
	}
	return out
}

// Newer orders events newest first, breaking timestamp ties by ID so
// pagination is stable.
func Newer(a, b *Event) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.After(b.OccurredAt)
	}
	return a.ID > b.ID
}
