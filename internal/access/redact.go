package access

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/onnwee/audittrail/internal/audit"
)

// MaskedValue replaces every redacted value.
const MaskedValue = "[REDACTED]"

// Redact returns a copy of e shaped for a viewer under rule. Metadata
// (identifiers, action, actor, time, changed field names) is never masked.
// The input is not modified.
func Redact(e audit.Event, rule Rule) audit.Event {
	out := e.Clone()
	if rule.Unredacted() {
		return out
	}

	fields := make(map[string]struct{}, len(rule.SensitiveFields))
	for _, f := range rule.SensitiveFields {
		fields[strings.ToLower(f)] = struct{}{}
	}
	m := masker{fields: fields, all: rule.MaskAll}

	out.BeforeState = m.fieldMap(out.BeforeState)
	out.AfterState = m.fieldMap(out.AfterState)
	if out.Bulk != nil {
		out.Bulk.Filter = m.fieldMap(out.Bulk.Filter)
	}
	if rule.MaskAll && out.Note != "" {
		out.Note = MaskedValue
	}
	if rule.AnonymizeSource {
		out.SourceAddress = AnonymizeIP(out.SourceAddress)
	}
	return out
}

// RedactAll applies Redact to each event.
func RedactAll(events []audit.Event, rule Rule) []audit.Event {
	out := make([]audit.Event, len(events))
	for i := range events {
		out[i] = Redact(events[i], rule)
	}
	return out
}

type masker struct {
	fields map[string]struct{}
	all    bool
}

func (m masker) sensitive(key string) bool {
	if m.all {
		return true
	}
	_, ok := m.fields[strings.ToLower(key)]
	return ok
}

// fieldMap masks in place; callers pass an already cloned map.
func (m masker) fieldMap(fm audit.FieldMap) audit.FieldMap {
	if fm == nil {
		return nil
	}
	for k, v := range fm {
		if m.sensitive(k) {
			fm[k] = MaskedValue
			continue
		}
		fm[k] = m.value(v)
	}
	return fm
}

func (m masker) value(v any) any {
	switch tv := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64, json.Number, time.Time:
		return v
	case map[string]any:
		return map[string]any(m.fieldMap(audit.FieldMap(tv)))
	case audit.FieldMap:
		return m.fieldMap(tv)
	case []any:
		for i := range tv {
			tv[i] = m.value(tv[i])
		}
		return tv
	}
	// Typed maps, slices and structs are walked in their JSON shape, the
	// shape every persisted reader returns.
	generic, ok := jsonShape(v)
	if !ok {
		return MaskedValue
	}
	return m.value(generic)
}

// jsonShape converts v to maps, slices and scalars via encoding/json. It
// reports false when v cannot be encoded.
func jsonShape(v any) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	return out, true
}
