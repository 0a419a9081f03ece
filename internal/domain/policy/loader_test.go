package policy

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleBundle = `
name: team-default
description: Team policy for staging plans.
tools:
  - tool: "repo-agent"
    allow: ["repo.*"]
  - tool: "ci-agent"
    allow: ["ci.run"]
approval_gated: ["repo.write"]
forbidden: ["infra.*"]
`

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "team.yaml")
	if err := os.WriteFile(path, []byte(sampleBundle), 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Name != "team-default" {
		t.Errorf("name = %q", b.Name)
	}
	if len(b.Tools) != 2 {
		t.Errorf("tools = %d, want 2", len(b.Tools))
	}

	res := b.Evaluate(
		Subject{Tool: "repo-agent", RunMode: "headless"},
		Action{Capabilities: []string{"infra.apply"}, RunMode: "headless"},
	)
	if res.Allow {
		t.Error("forbidden capability allowed")
	}
}

func TestLoadFromFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("description: no name or tools\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(sampleBundle), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	bundles, err := LoadFromDirectory(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bundles) != 1 {
		t.Fatalf("bundles = %d, want 1", len(bundles))
	}
}

func TestLoadFromDirectoryMissing(t *testing.T) {
	bundles, err := LoadFromDirectory(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundles != nil {
		t.Errorf("expected nil, got %v", bundles)
	}
}
