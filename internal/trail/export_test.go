package trail

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/onnwee/audittrail/internal/audit"
)

type failingRecorder struct{}

func (failingRecorder) RecordBulkRead(ctx context.Context, entityType string, count int, filters audit.FieldMap) (*audit.Event, error) {
	return nil, &audit.PersistenceError{EntityType: entityType, Action: audit.ActionBulkRead, Err: errors.New("disk full")}
}

func seedMembers(t *testing.T, f *fixture, n int) {
	t.Helper()
	ctx, end := actorCtx("u1")
	defer end()
	for i := 0; i < n; i++ {
		if _, err := f.recorder.RecordCreate(ctx, "member", "m", audit.FieldMap{"name": "J. Doe", "ssn": "123-45-6789"}); err != nil {
			t.Fatalf("RecordCreate() error = %v", err)
		}
	}
}

func TestExport_CSVIsRecordedAndRedacted(t *testing.T) {
	f := newFixture(t, Config{MaxPageSize: 2})
	seedMembers(t, f, 5)

	ctx, end := actorCtx("aud1")
	defer end()

	var buf bytes.Buffer
	n, err := f.svc.Export(ctx, Viewer{Role: "auditor", ActorID: "aud1"}, audit.Filter{EntityType: "member"}, ExportOptions{Format: FormatCSV}, &buf)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 5 {
		t.Errorf("Export() rows = %d, want 5", n)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("csv rows = %d, want header + 5", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(csvHeader, ",") {
		t.Errorf("header = %v", rows[0])
	}
	if strings.Contains(buf.String(), "123-45-6789") {
		t.Error("export leaked a sensitive value")
	}

	page, err := f.repo.Search(context.Background(), audit.Filter{EntityType: ExportEntityType})
	if err != nil {
		t.Fatalf("repo.Search() error = %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("export audit events = %d, want 1", page.Total)
	}
	rec := page.Events[0]
	if rec.Action != audit.ActionBulkRead || rec.ActorID != "aud1" || rec.Bulk == nil || rec.Bulk.Count != 5 {
		t.Errorf("export audit event = %+v", rec)
	}
	if rec.Bulk.Filter["entity_type"] != "member" || rec.Bulk.Filter["format"] != "csv" {
		t.Errorf("export filter = %v", rec.Bulk.Filter)
	}
}

func TestExport_GzipJSON(t *testing.T) {
	f := newFixture(t, Config{})
	seedMembers(t, f, 3)

	var buf bytes.Buffer
	n, err := f.svc.Export(context.Background(), Viewer{Role: "admin", ActorID: "root"}, audit.Filter{},
		ExportOptions{Format: FormatJSON, Gzip: true}, &buf)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}

	zr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	var events []audit.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode export: %v\n%s", err, data)
	}
	if len(events) != 3 {
		t.Fatalf("decoded %d events, want 3", len(events))
	}
	if events[0].AfterState["ssn"] != "123-45-6789" {
		t.Errorf("admin export ssn = %v, want raw value", events[0].AfterState["ssn"])
	}
}

func TestExport_RowCap(t *testing.T) {
	f := newFixture(t, Config{MaxPageSize: 2, MaxExportRows: 3})
	seedMembers(t, f, 6)

	var buf bytes.Buffer
	n, err := f.svc.Export(context.Background(), Viewer{Role: "admin"}, audit.Filter{EntityType: "member"}, ExportOptions{Format: FormatJSON}, &buf)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 3 {
		t.Errorf("rows = %d, want capped at 3", n)
	}
}

func TestExport_EmptyJSONIsArray(t *testing.T) {
	f := newFixture(t, Config{})
	var buf bytes.Buffer
	if _, err := f.svc.Export(context.Background(), Viewer{Role: "admin"}, audit.Filter{EntityType: "dues"}, ExportOptions{Format: FormatJSON}, &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty export = %q, want []", buf.String())
	}
}

func TestExport_FailsWhenNotAudited(t *testing.T) {
	f := newFixture(t, Config{Recorder: failingRecorder{}})
	seedMembers(t, f, 2)

	var buf bytes.Buffer
	_, err := f.svc.Export(context.Background(), Viewer{Role: "admin"}, audit.Filter{}, ExportOptions{}, &buf)
	if !errors.Is(err, audit.ErrPersistence) {
		t.Fatalf("Export() error = %v, want ErrPersistence", err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes before the export was audited", buf.Len())
	}
}

func TestExport_DeniedIsNotRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	var buf bytes.Buffer
	_, err := f.svc.Export(context.Background(), Viewer{Role: "staff", ActorID: "u1"}, audit.Filter{ActorID: "u2"}, ExportOptions{}, &buf)
	if err == nil {
		t.Fatal("Export() error = nil, want access denied")
	}
	if f.repo.Len() != 0 {
		t.Errorf("denied export wrote %d audit events", f.repo.Len())
	}
}

func TestParseExportFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    ExportFormat
		wantErr bool
	}{
		{"", FormatCSV, false},
		{"CSV", FormatCSV, false},
		{"json", FormatJSON, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseExportFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseExportFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}
