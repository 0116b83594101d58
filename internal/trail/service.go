// Package trail is the read-only query surface over the audit trail. Every
// call is routed through access control; nothing here mutates the store.
package trail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/audittrail/internal/audit"
)

// Defaults for Config.
const (
	DefaultLimit         = 50
	DefaultMaxPageSize   = 200
	DefaultMaxExportRows = 100000
)

// ExportEntityType is the entity type recorded when the trail itself is
// exported.
const ExportEntityType = "audit_trail"

// Errors returned by the Service.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNilQuerier      = errors.New("trail service requires a querier")
)

// Viewer identifies who is reading the trail.
type Viewer struct {
	Role    string
	ActorID string
}

// Querier runs a scope-checked, redacted query. access.Service satisfies it.
type Querier interface {
	Query(ctx context.Context, role, requesterID string, f audit.Filter) (audit.Page, error)
}

// BulkReadRecorder records that a set of events was read in bulk.
// audit.Recorder satisfies it.
type BulkReadRecorder interface {
	RecordBulkRead(ctx context.Context, entityType string, count int, filters audit.FieldMap) (*audit.Event, error)
}

// Config configures a Service.
type Config struct {
	Querier Querier
	// Recorder audits exports. Without it Export refuses to run.
	Recorder BulkReadRecorder
	Logger   *slog.Logger

	DefaultLimit  int
	MaxPageSize   int
	MaxExportRows int
}

// Service implements the trail query operations.
type Service struct {
	querier  Querier
	recorder BulkReadRecorder
	logger   *slog.Logger

	defaultLimit  int
	maxPageSize   int
	maxExportRows int
}

// NewService builds a Service, applying defaults to zero limits.
func NewService(cfg Config) (*Service, error) {
	if cfg.Querier == nil {
		return nil, ErrNilQuerier
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = DefaultMaxPageSize
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.DefaultLimit > cfg.MaxPageSize {
		cfg.DefaultLimit = cfg.MaxPageSize
	}
	if cfg.MaxExportRows <= 0 {
		cfg.MaxExportRows = DefaultMaxExportRows
	}
	return &Service{
		querier:       cfg.Querier,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger,
		defaultLimit:  cfg.DefaultLimit,
		maxPageSize:   cfg.MaxPageSize,
		maxExportRows: cfg.MaxExportRows,
	}, nil
}

// SearchResult is one page of a search.
type SearchResult struct {
	Events   []audit.Event `json:"events"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// GetEntityHistory returns the most recent events for one entity, newest
// first.
func (s *Service) GetEntityHistory(ctx context.Context, v Viewer, entityType, entityID string, limit int) ([]audit.Event, error) {
	if strings.TrimSpace(entityType) == "" || strings.TrimSpace(entityID) == "" {
		return nil, fmt.Errorf("%w: entity type and id are required", ErrInvalidArgument)
	}
	page, err := s.querier.Query(ctx, v.Role, v.ActorID, audit.Filter{
		EntityType: entityType,
		EntityID:   entityID,
		Limit:      s.clampLimit(limit),
	})
	if err != nil {
		return nil, err
	}
	return page.Events, nil
}

// GetActorActivity returns what one actor did within [from, to), newest
// first. Zero bounds are open.
func (s *Service) GetActorActivity(ctx context.Context, v Viewer, actorID string, from, to time.Time, limit int) ([]audit.Event, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrInvalidArgument)
	}
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	page, err := s.querier.Query(ctx, v.Role, v.ActorID, audit.Filter{
		ActorID: actorID,
		From:    from,
		To:      to,
		Limit:   s.clampLimit(limit),
	})
	if err != nil {
		return nil, err
	}
	return page.Events, nil
}

// Search returns one page of events matching f plus the total match count.
// Pages start at 1; the page size is clamped to the configured maximum.
// Limit and Offset on f are ignored.
func (s *Service) Search(ctx context.Context, v Viewer, f audit.Filter, page, pageSize int) (*SearchResult, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page must be at least 1", ErrInvalidArgument)
	}
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	pageSize = s.clampLimit(pageSize)

	f.Limit = pageSize
	f.Offset = (page - 1) * pageSize
	res, err := s.querier.Query(ctx, v.Role, v.ActorID, f)
	if err != nil {
		return nil, err
	}
	events := res.Events
	if events == nil {
		events = []audit.Event{}
	}
	return &SearchResult{Events: events, Total: res.Total, Page: page, PageSize: pageSize}, nil
}

func (s *Service) clampLimit(n int) int {
	if n <= 0 {
		return s.defaultLimit
	}
	if n > s.maxPageSize {
		return s.maxPageSize
	}
	return n
}

func validateRange(from, to time.Time) error {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return fmt.Errorf("%w: from must be before to", ErrInvalidArgument)
	}
	return nil
}

func validateFilter(f audit.Filter) error {
	for _, a := range f.Actions {
		if !a.Valid() {
			return fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, a)
		}
	}
	return validateRange(f.From, f.To)
}
