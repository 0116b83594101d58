package trail

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/onnwee/audittrail/internal/audit"
)

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ParseExportFormat maps a request value to an ExportFormat. Empty means CSV.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(s)) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: unknown export format %q", ErrInvalidArgument, s)
}

// ContentType returns the MIME type of the uncompressed export.
func (f ExportFormat) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// ExportOptions configures Export.
type ExportOptions struct {
	Format ExportFormat
	Gzip   bool
}

// ErrExportNotAudited is returned when an export is attempted without a
// recorder to audit it.
var ErrExportNotAudited = errors.New("export requires an audit recorder")

// csvHeader is the column order of CSV exports.
var csvHeader = []string{
	"id", "occurred_at", "action", "entity_type", "entity_id", "actor_id",
	"source_address", "client_agent", "request_id", "changed_fields",
	"before_state", "after_state", "note",
}

// Export writes every event matching f, redacted for the viewer, to w. The
// export is recorded as a BULK_READ before the first row is written; if
// that record cannot be persisted nothing is exported. It returns the number
// of events written.
func (s *Service) Export(ctx context.Context, v Viewer, f audit.Filter, opts ExportOptions, w io.Writer) (int, error) {
	if s.recorder == nil {
		return 0, ErrExportNotAudited
	}
	if opts.Format == "" {
		opts.Format = FormatCSV
	}
	if opts.Format != FormatCSV && opts.Format != FormatJSON {
		return 0, fmt.Errorf("%w: unknown export format %q", ErrInvalidArgument, opts.Format)
	}
	if err := validateFilter(f); err != nil {
		return 0, err
	}

	f.Limit = s.maxPageSize
	f.Offset = 0
	first, err := s.querier.Query(ctx, v.Role, v.ActorID, f)
	if err != nil {
		return 0, err
	}
	expected := first.Total
	if expected > s.maxExportRows {
		expected = s.maxExportRows
	}

	if _, err := s.recorder.RecordBulkRead(ctx, ExportEntityType, expected, exportDescriptor(f, opts)); err != nil {
		return 0, fmt.Errorf("export not audited: %w", err)
	}

	out := w
	var gz *gzip.Writer
	if opts.Gzip {
		gz = gzip.NewWriter(w)
		out = gz
	}

	var enc rowEncoder
	if opts.Format == FormatJSON {
		enc = newJSONEncoder(out)
	} else {
		enc = newCSVEncoder(out)
	}

	written, err := s.writeExport(ctx, v, f, first, enc)
	if err == nil {
		err = enc.close()
	}
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return written, err
	}

	s.logger.InfoContext(ctx, "audit trail exported",
		slog.String("role", v.Role),
		slog.String("actor_id", v.ActorID),
		slog.String("format", string(opts.Format)),
		slog.Bool("gzip", opts.Gzip),
		slog.Int("rows", written),
	)
	return written, nil
}

func (s *Service) writeExport(ctx context.Context, v Viewer, f audit.Filter, page audit.Page, enc rowEncoder) (int, error) {
	written := 0
	for {
		for i := range page.Events {
			if written >= s.maxExportRows {
				return written, nil
			}
			if err := enc.write(&page.Events[i]); err != nil {
				return written, fmt.Errorf("write export row: %w", err)
			}
			written++
		}
		if len(page.Events) < f.Limit || written >= s.maxExportRows {
			return written, nil
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}

		f.Offset += f.Limit
		var err error
		page, err = s.querier.Query(ctx, v.Role, v.ActorID, f)
		if err != nil {
			return written, err
		}
	}
}

// exportDescriptor summarizes the export request for the audit record.
func exportDescriptor(f audit.Filter, opts ExportOptions) audit.FieldMap {
	d := audit.FieldMap{
		"format": string(opts.Format),
		"gzip":   opts.Gzip,
	}
	if f.EntityType != "" {
		d["entity_type"] = f.EntityType
	}
	if len(f.EntityTypes) > 0 {
		d["entity_types"] = append([]string(nil), f.EntityTypes...)
	}
	if f.EntityID != "" {
		d["entity_id"] = f.EntityID
	}
	if f.ActorID != "" {
		d["actor_id"] = f.ActorID
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		d["actions"] = actions
	}
	if !f.From.IsZero() {
		d["from"] = f.From.UTC().Format(time.RFC3339Nano)
	}
	if !f.To.IsZero() {
		d["to"] = f.To.UTC().Format(time.RFC3339Nano)
	}
	if f.IncludeArchive {
		d["include_archive"] = true
	}
	return d
}

type rowEncoder interface {
	write(e *audit.Event) error
	close() error
}

type csvEncoder struct {
	w       *csv.Writer
	started bool
}

func newCSVEncoder(w io.Writer) *csvEncoder {
	return &csvEncoder{w: csv.NewWriter(w)}
}

func (c *csvEncoder) header() error {
	if c.started {
		return nil
	}
	c.started = true
	return c.w.Write(csvHeader)
}

func (c *csvEncoder) write(e *audit.Event) error {
	if err := c.header(); err != nil {
		return err
	}
	before, err := audit.MarshalFieldMap(e.BeforeState)
	if err != nil {
		return err
	}
	after, err := audit.MarshalFieldMap(e.AfterState)
	if err != nil {
		return err
	}
	return c.w.Write([]string{
		e.ID,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		string(e.Action),
		e.EntityType,
		e.EntityID,
		e.ActorID,
		e.SourceAddress,
		e.ClientAgent,
		e.RequestID,
		strings.Join(e.ChangedFields, ";"),
		string(before),
		string(after),
		e.Note,
	})
}

func (c *csvEncoder) close() error {
	if err := c.header(); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// jsonEncoder streams a JSON array without buffering the whole export.
type jsonEncoder struct {
	w     io.Writer
	count int
}

func newJSONEncoder(w io.Writer) *jsonEncoder {
	return &jsonEncoder{w: w}
}

func (j *jsonEncoder) write(e *audit.Event) error {
	data, err := audit.MarshalEvent(e)
	if err != nil {
		return err
	}
	sep := ",\n"
	if j.count == 0 {
		sep = "[\n"
	}
	if _, err := io.WriteString(j.w, sep); err != nil {
		return err
	}
	if _, err := j.w.Write(data); err != nil {
		return err
	}
	j.count++
	return nil
}

func (j *jsonEncoder) close() error {
	end := "\n]\n"
	if j.count == 0 {
		end = "[]\n"
	}
	_, err := io.WriteString(j.w, end)
	return err
}
