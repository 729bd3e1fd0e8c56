package client

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write profiles file: %v", err)
	}
	return path
}

func TestLoadProfile(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  fast:
    command: codex
    args: ["--profile", "fast"]
    model: gpt-5
    sandboxMode: workspace-write
    env:
      RUST_LOG: info
  broken:
    args: ["--oops"]
`)

	t.Run("named profile", func(t *testing.T) {
		p, err := LoadProfile(path, "fast")
		if err != nil {
			t.Fatalf("LoadProfile failed: %v", err)
		}
		if p.Command != "codex" {
			t.Errorf("unexpected command %q", p.Command)
		}
		if len(p.Args) != 2 || p.Args[1] != "fast" {
			t.Errorf("unexpected args %v", p.Args)
		}
		if p.Model != "gpt-5" {
			t.Errorf("unexpected model %q", p.Model)
		}
		if p.Env["RUST_LOG"] != "info" {
			t.Errorf("unexpected env %v", p.Env)
		}
	})

	t.Run("empty name is a nil profile", func(t *testing.T) {
		p, err := LoadProfile(path, "")
		if err != nil {
			t.Fatalf("LoadProfile failed: %v", err)
		}
		if p != nil {
			t.Errorf("expected nil profile, got %+v", p)
		}
	})

	t.Run("missing profile errors", func(t *testing.T) {
		if _, err := LoadProfile(path, "nope"); err == nil {
			t.Error("expected error for unknown profile")
		}
	})

	t.Run("profile without command errors", func(t *testing.T) {
		if _, err := LoadProfile(path, "broken"); err == nil {
			t.Error("expected error for profile without command")
		}
	})

	t.Run("missing file errors when profile requested", func(t *testing.T) {
		if _, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"), "fast"); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
