package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// eventRecord is the JSON wire form of an Event, shared by the queue, the
// warm tier payload and the cold archive.
type eventRecord struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Action        Action          `json:"action"`
	ActorID       string          `json:"actor_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	SourceAddress string          `json:"source_address,omitempty"`
	ClientAgent   string          `json:"client_agent,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	BeforeState   json.RawMessage `json:"before_state"`
	AfterState    json.RawMessage `json:"after_state"`
	ChangedFields []string        `json:"changed_fields,omitempty"`
	Note          string          `json:"note,omitempty"`
	ReadCount     *int            `json:"read_count,omitempty"`
	Filter        json.RawMessage `json:"filter_descriptor,omitempty"`
}

// MarshalEvent encodes e as a single JSON document.
func MarshalEvent(e *Event) ([]byte, error) {
	rec := eventRecord{
		ID:            e.ID,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Action:        e.Action,
		ActorID:       e.ActorID,
		OccurredAt:    e.OccurredAt.UTC(),
		SourceAddress: e.SourceAddress,
		ClientAgent:   e.ClientAgent,
		RequestID:     e.RequestID,
		ChangedFields: e.ChangedFields,
		Note:          e.Note,
	}
	var err error
	if rec.BeforeState, err = MarshalFieldMap(e.BeforeState); err != nil {
		return nil, fmt.Errorf("marshal before_state: %w", err)
	}
	if rec.AfterState, err = MarshalFieldMap(e.AfterState); err != nil {
		return nil, fmt.Errorf("marshal after_state: %w", err)
	}
	if e.Bulk != nil {
		count := e.Bulk.Count
		rec.ReadCount = &count
		if rec.Filter, err = MarshalFieldMap(e.Bulk.Filter); err != nil {
			return nil, fmt.Errorf("marshal filter_descriptor: %w", err)
		}
	}
	return json.Marshal(rec)
}

// MarshalJSON encodes e in its wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	return MarshalEvent(&e)
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	decoded, err := UnmarshalEvent(data)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// UnmarshalEvent decodes a document produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	e := Event{
		ID:            rec.ID,
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		Action:        rec.Action,
		ActorID:       rec.ActorID,
		OccurredAt:    rec.OccurredAt.UTC(),
		SourceAddress: rec.SourceAddress,
		ClientAgent:   rec.ClientAgent,
		RequestID:     rec.RequestID,
		ChangedFields: rec.ChangedFields,
		Note:          rec.Note,
	}
	if e.Action == ActionUpdate && e.ChangedFields == nil {
		e.ChangedFields = []string{}
	}
	var err error
	if e.BeforeState, err = UnmarshalFieldMap(rec.BeforeState); err != nil {
		return Event{}, err
	}
	if e.AfterState, err = UnmarshalFieldMap(rec.AfterState); err != nil {
		return Event{}, err
	}
	if rec.ReadCount != nil {
		filter, err := UnmarshalFieldMap(rec.Filter)
		if err != nil {
			return Event{}, err
		}
		e.Bulk = &BulkRead{Count: *rec.ReadCount, Filter: filter}
	}
	return e, nil
}

// MarshalFieldMap encodes m as JSON; a nil map encodes as nil.
func MarshalFieldMap(m FieldMap) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// UnmarshalFieldMap decodes JSON into a FieldMap. Numbers are kept as
// json.Number so integers survive storage without turning into floats.
// Empty input and JSON null decode to nil.
func UnmarshalFieldMap(data []byte) (FieldMap, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m FieldMap
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("unmarshal field map: %w", err)
	}
	return m, nil
}
