package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const testRego = `# Blocks writes outside business hours.
# Checked on every mutating request.
package fluxfn.hours

import rego.v1

deny contains violation if {
	input.action == "entity:add"
	violation := {"message": "writes are frozen", "severity": "error"}
}
`

func TestLoader_LoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "business-hours.rego")
	if err := os.WriteFile(path, []byte(testRego), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "business-hours" {
		t.Errorf("expected name from basename, got %q", p.Name)
	}
	if p.Description != "Blocks writes outside business hours. Checked on every mutating request." {
		t.Errorf("unexpected description: %q", p.Description)
	}
	if p.Severity != SeverityError || !p.Enabled {
		t.Errorf("expected enabled error-severity policy, got %+v", p)
	}
	if p.Rego != testRego {
		t.Error("rego source not preserved")
	}
}

func TestLoader_WalksDirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, p := range []string{
		filepath.Join(dir, "one.rego"),
		filepath.Join(sub, "two.rego"),
		filepath.Join(dir, "ignored.txt"),
	} {
		if err := os.WriteFile(p, []byte(testRego), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 rego policies, got %d", len(policies))
	}
}

func TestLoader_MissingPath(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{"/does/not/exist"})
	if err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestExtractDescription_StopsAtCode(t *testing.T) {
	desc := extractDescription("# first\n# second\npackage x\n# not included\n")
	if desc != "first second" {
		t.Errorf("unexpected description: %q", desc)
	}
	if extractDescription("package x\n") != "" {
		t.Error("expected empty description when no leading comments")
	}
}
