package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// mockHealthChecker is a mock implementation of HealthChecker for testing.
type mockHealthChecker struct {
	err   error
	block bool
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.err
}

func TestHealth_Success(t *testing.T) {
	h := NewHealthHandlers(HealthHandlersConfig{
		Checkers: map[string]HealthChecker{"database": &mockHealthChecker{err: errors.New("down")}},
	})
	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	// Liveness does not consult dependencies.
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" || resp.Checks["runtime"] != "ok" {
		t.Errorf("response = %+v", resp)
	}
	if _, err := time.Parse(time.RFC3339, resp.Timestamp); err != nil {
		t.Errorf("invalid timestamp format: %v", err)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		checkers   map[string]HealthChecker
		optional   map[string]HealthChecker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name: "all healthy",
			checkers: map[string]HealthChecker{
				"database": &mockHealthChecker{},
				"redis":    &mockHealthChecker{},
			},
			optional:   map[string]HealthChecker{"archive": &mockHealthChecker{}},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": "ok", "redis": "ok", "archive": "ok"},
		},
		{
			name: "database down",
			checkers: map[string]HealthChecker{
				"database": &mockHealthChecker{err: errors.New("connection refused")},
				"redis":    &mockHealthChecker{},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": "error", "redis": "ok"},
		},
		{
			name:       "optional archive down is degraded",
			checkers:   map[string]HealthChecker{"database": &mockHealthChecker{}},
			optional:   map[string]HealthChecker{"archive": &mockHealthChecker{err: errors.New("403")}},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": "ok", "archive": "degraded"},
		},
		{
			name:       "hanging check times out",
			checkers:   map[string]HealthChecker{"redis": &mockHealthChecker{block: true}},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"redis": "error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandlers(HealthHandlersConfig{
				Checkers: tt.checkers,
				Optional: tt.optional,
				Timeout:  20 * time.Millisecond,
			})
			w := httptest.NewRecorder()
			h.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var resp HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if len(resp.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", resp.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if resp.Checks[name] != want {
					t.Errorf("checks[%s] = %q, want %q", name, resp.Checks[name], want)
				}
			}
		})
	}
}
