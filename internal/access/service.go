package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/audittrail/internal/audit"
)

// ErrAccessDenied is returned for any query outside the viewer's scope. The
// message never says whether matching events exist.
var ErrAccessDenied = errors.New("access denied")

// ErrNilReader is returned when a Service is built without a reader.
var ErrNilReader = errors.New("access service requires a reader")

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Reader audit.Reader
	// Policy defaults to DefaultRules.
	Policy *Policy
	Logger *slog.Logger
}

// Service runs scope-checked, redacted queries over the audit trail.
type Service struct {
	reader audit.Reader
	policy *Policy
	logger *slog.Logger
}

// NewService builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Reader == nil {
		return nil, ErrNilReader
	}
	policy := cfg.Policy
	if policy == nil {
		var err error
		policy, err = NewPolicy(DefaultRules())
		if err != nil {
			return nil, fmt.Errorf("default redaction rules: %w", err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{reader: cfg.Reader, policy: policy, logger: logger}, nil
}

// Policy returns the active redaction policy.
func (s *Service) Policy() *Policy {
	return s.policy
}

// Query resolves f against the role's scope, runs it and returns redacted
// results. The stored events are never modified.
func (s *Service) Query(ctx context.Context, role, requesterID string, f audit.Filter) (audit.Page, error) {
	rule := s.policy.RuleFor(role)
	scoped, err := ResolveScope(rule, requesterID, f)
	if err != nil {
		s.logger.WarnContext(ctx, "audit query denied",
			slog.String("role", role),
			slog.String("requester_id", requesterID),
			slog.String("scope", rule.Scope.String()),
		)
		return audit.Page{}, err
	}

	page, err := s.reader.Search(ctx, scoped)
	if err != nil {
		return audit.Page{}, fmt.Errorf("audit query: %w", err)
	}
	page.Events = RedactAll(page.Events, rule)
	return page, nil
}

// ResolveScope narrows f to what rule allows for requesterID. It returns
// ErrAccessDenied when f explicitly asks for something out of scope.
func ResolveScope(rule Rule, requesterID string, f audit.Filter) (audit.Filter, error) {
	out := f
	out.EntityTypes = append([]string(nil), f.EntityTypes...)

	switch rule.Scope {
	case ScopeUnrestricted:
		return out, nil

	case ScopeOwnActions:
		if requesterID == "" {
			return audit.Filter{}, ErrAccessDenied
		}
		if f.ActorID != "" && f.ActorID != requesterID {
			return audit.Filter{}, ErrAccessDenied
		}
		out.ActorID = requesterID
		return out, nil

	case ScopeEntityClass:
		if len(rule.EntityTypes) == 0 {
			return audit.Filter{}, ErrAccessDenied
		}
		if f.EntityType != "" && !containsString(rule.EntityTypes, f.EntityType) {
			return audit.Filter{}, ErrAccessDenied
		}
		for _, t := range f.EntityTypes {
			if !containsString(rule.EntityTypes, t) {
				return audit.Filter{}, ErrAccessDenied
			}
		}
		if len(out.EntityTypes) == 0 {
			out.EntityTypes = append([]string(nil), rule.EntityTypes...)
		}
		return out, nil
	}
	return audit.Filter{}, ErrAccessDenied
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
