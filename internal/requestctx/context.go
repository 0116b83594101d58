// Package requestctx carries the actor and origin of the current unit of work
// so the audit recorder can attribute events without callers threading
// identity through every function signature.
package requestctx

import (
	"context"
	"errors"
	"sync"
)

// Sentinel actor identifiers.
const (
	// ActorSystem is reported when no unit of work is active (background jobs,
	// startup code, or a context whose scope has already ended).
	ActorSystem = "SYSTEM"

	// ActorAnonymous is used when a unit of work began without an
	// authenticated actor.
	ActorAnonymous = "anonymous"
)

// ErrContextMissing is returned by Lookup when no live scope is attached to
// the context. Callers that only need attribution should use Current, which
// resolves this by falling back to ActorSystem.
var ErrContextMissing = errors.New("request context missing")

// RequestContext is the ambient data captured at the start of a unit of work.
type RequestContext struct {
	ActorID       string
	SourceAddress string
	ClientAgent   string
	RequestID     string
}

// EndFunc clears the scope created by Begin. It is safe to call more than once.
type EndFunc func()

type scopeKey struct{}

// scope is shared by every context derived from the one Begin returned, so
// ending it is visible to goroutines that captured a child context.
type scope struct {
	mu    sync.RWMutex
	rc    RequestContext
	ended bool
}

func (s *scope) load() (RequestContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ended {
		return RequestContext{}, false
	}
	return s.rc, true
}

func (s *scope) end() {
	s.mu.Lock()
	s.ended = true
	s.rc = RequestContext{}
	s.mu.Unlock()
}

// Begin establishes rc as the context of the unit of work rooted at ctx.
// An empty ActorID is recorded as ActorAnonymous. The returned EndFunc must
// run when the unit of work finishes, typically via defer.
func Begin(ctx context.Context, rc RequestContext) (context.Context, EndFunc) {
	if rc.ActorID == "" {
		rc.ActorID = ActorAnonymous
	}
	s := &scope{rc: rc}
	return context.WithValue(ctx, scopeKey{}, s), s.end
}

// WithSystemActor opens a scope attributed to ActorSystem for background work
// such as scheduled jobs. The job name is kept as the client agent.
func WithSystemActor(ctx context.Context, job string) (context.Context, EndFunc) {
	rc := RequestContext{ActorID: ActorSystem}
	if job != "" {
		rc.ClientAgent = "job:" + job
	}
	return Begin(ctx, rc)
}

// Lookup returns the live RequestContext attached to ctx.
func Lookup(ctx context.Context) (RequestContext, error) {
	if ctx == nil {
		return RequestContext{}, ErrContextMissing
	}
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok || s == nil {
		return RequestContext{}, ErrContextMissing
	}
	rc, live := s.load()
	if !live {
		return RequestContext{}, ErrContextMissing
	}
	return rc, nil
}

// Current returns the RequestContext for ctx, never failing. Without a live
// scope it reports ActorSystem.
func Current(ctx context.Context) RequestContext {
	rc, err := Lookup(ctx)
	if err != nil {
		return RequestContext{ActorID: ActorSystem}
	}
	return rc
}

// End clears the scope attached to ctx, if any.
func End(ctx context.Context) {
	if ctx == nil {
		return
	}
	if s, ok := ctx.Value(scopeKey{}).(*scope); ok && s != nil {
		s.end()
	}
}
