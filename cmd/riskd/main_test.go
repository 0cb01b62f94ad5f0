package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"OpenGRC-Risk/internal/config"
	"OpenGRC-Risk/internal/scoring"
)

const frameworkYAML = `id: iso27001
name: ISO/IEC 27001
version: "2022"
controls:
  - id: A.5.1
    title: Policies for information security
    category: Organizational
    type: management
  - id: A.8.24
    title: Use of cryptography
    category: Technological
    type: technical
`

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScoreCommand(t *testing.T) {
	dir := t.TempDir()
	fw := writeTemp(t, dir, "iso.yaml", frameworkYAML)
	responses := writeTemp(t, dir, "acme.yaml", `assessment: acme
responses:
  - control_id: A.5.1
    status: Compliant
  - control_id: A.8.24
    status: not implemented
`)

	out, err := execute(t, "score", "--framework", fw, "--responses", responses, "--compact")
	if err != nil {
		t.Fatalf("score: %v (%s)", err, out)
	}
	var got scoreOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if got.Assessment != "acme" || got.FrameworkID != "iso27001" {
		t.Fatalf("unexpected header: %+v", got)
	}
	if got.Result.OverallScore != 50 || got.Result.RiskLevel != scoring.RiskMedium || len(got.Result.KeyFindings) != 1 {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
	if got.Result.KeyFindings[0].ControlID != "A.8.24" {
		t.Fatalf("unexpected finding: %+v", got.Result.KeyFindings[0])
	}
}

func TestScoreCommandRequiresFlags(t *testing.T) {
	if _, err := execute(t, "score"); err == nil {
		t.Fatalf("expected missing flag error")
	}
}

func TestFrameworksCommand(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "iso.yaml", frameworkYAML)

	out, err := execute(t, "frameworks", "--dir", dir)
	if err != nil {
		t.Fatalf("frameworks: %v", err)
	}
	if !strings.Contains(out, "iso27001") || !strings.Contains(out, "ISO/IEC 27001") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestNewAppWiresMemoryDrivers(t *testing.T) {
	dir := t.TempDir()
	catalogDir := filepath.Join(dir, "frameworks")
	if err := os.Mkdir(catalogDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeTemp(t, catalogDir, "iso.yaml", frameworkYAML)
	cfgPath := writeTemp(t, dir, "risk.yaml", "server:\n  address: \"127.0.0.1:0\"\n")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	app, err := newApp(ctx, cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Close()

	fws, err := app.repo.ListFrameworks(ctx)
	if err != nil || len(fws) != 1 {
		t.Fatalf("expected seeded framework, got %v (%v)", fws, err)
	}
	if names := app.registry.Names(); len(names) != 1 || names[0] != "risk-scoring" {
		t.Fatalf("unexpected agents: %v", names)
	}
}

func TestNewAppToleratesMissingCatalog(t *testing.T) {
	cfgPath := writeTemp(t, t.TempDir(), "risk.yaml", "catalog:\n  dir: nowhere\n")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	app, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	app.Close()
}
