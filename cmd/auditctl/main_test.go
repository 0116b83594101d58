package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/audittrail/internal/auth"
	"github.com/onnwee/audittrail/internal/retention"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	cmd.ErrWriter = &out
	err := cmd.Run(context.Background(), append([]string{"auditctl"}, args...))
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	const secret = "auditctl-test-secret"

	out, err := runCLI(t, "token", "--secret", secret, "--actor", "auditor-7", "--role", "compliance_auditor", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}
	claims, err := auth.NewJWTService(secret).ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.ActorID() != "auditor-7" || claims.Role != "compliance_auditor" {
		t.Errorf("claims = %+v", claims)
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl > 5*time.Minute || ttl < 4*time.Minute {
		t.Errorf("token expires in %v, want about 5m", ttl)
	}
}

func TestTokenCommand_MissingFlags(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := runCLI(t, "token", "--actor", "a"); err == nil {
		t.Error("token without secret and role should fail")
	}
}

func TestPurgeLogCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "purge.jsonl")
	log := retention.NewFilePurgeLog(path)
	cutoff := time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, tier := range []retention.Tier{retention.TierCold, retention.TierWarm} {
		if err := log.Append(context.Background(), retention.PurgeSummary{Tier: tier, Count: 3, Cutoff: cutoff, PurgedAt: cutoff}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	out, err := runCLI(t, "purge-log", "--path", path)
	if err != nil {
		t.Fatalf("purge-log error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("purge-log printed %d lines, want 2:\n%s", len(lines), out)
	}
	var first retention.PurgeSummary
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("failed to parse line: %v", err)
	}
	if first.Tier != retention.TierCold || first.Count != 3 {
		t.Errorf("first summary = %+v", first)
	}
}

func TestPurgeLogCommand_NoFile(t *testing.T) {
	out, err := runCLI(t, "purge-log", "--path", filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil || out != "" {
		t.Errorf("purge-log = %q, %v; want empty output", out, err)
	}
}

func TestMigrateCommand_RequiresURL(t *testing.T) {
	t.Setenv("OWNER_DATABASE_URL", "")
	if _, err := runCLI(t, "migrate"); err == nil {
		t.Error("migrate without a database url should fail")
	}
}

func TestPrintWatermarks(t *testing.T) {
	var buf bytes.Buffer
	marks := map[retention.Step]time.Time{
		retention.StepPurge:      {},
		retention.StepHotToWarm:  time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC),
		retention.StepWarmToCold: time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := printWatermarks(&buf, marks); err != nil {
		t.Fatalf("printWatermarks() error = %v", err)
	}
	want := "hot_to_warm    2026-07-01T00:00:00Z\n" +
		"purge          never\n" +
		"warm_to_cold   2025-10-01T00:00:00Z\n"
	if buf.String() != want {
		t.Errorf("printWatermarks() =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestExportCommand_RejectsBadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown format", args: []string{"--format", "xml"}},
		{name: "bad from", args: []string{"--from", "yesterday"}},
		{name: "bad to", args: []string{"--to", "2026-13-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"export", "--actor", "ops-1", "--role", "auditor"}, tt.args...)
			if _, err := runCLI(t, args...); err == nil {
				t.Errorf("export %v should fail", tt.args)
			}
		})
	}
}
