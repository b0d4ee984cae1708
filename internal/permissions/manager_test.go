package permissions

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManagerSeedsAndLoadsDefaults(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, false)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	for _, name := range []string{"restricted", "standard", "trusted", "researcher"} {
		p, ok := m.Profile(name)
		if !ok {
			t.Errorf("builtin profile %q missing", name)
			continue
		}
		if p.Level != Level(name) {
			t.Errorf("profile %q has level %q", name, p.Level)
		}
		if _, err := os.Stat(filepath.Join(dir, name+".yaml")); err != nil {
			t.Errorf("profile %q not materialized to disk: %v", name, err)
		}
	}

	// Seeded tiers must themselves satisfy de-escalation ordering:
	// trusted can spawn standard, standard cannot spawn trusted.
	trusted, _ := m.Profile("trusted")
	standard, _ := m.Profile("standard")
	if reason := CanSpawn(trusted, standard); reason != "" {
		t.Errorf("trusted cannot spawn standard: %s", reason)
	}
	if CanSpawn(standard, trusted) == "" {
		t.Error("standard spawned trusted")
	}
}

func TestManagerAssignImmutable(t *testing.T) {
	m, err := NewManager(t.TempDir(), false)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	p, _ := m.Profile("standard")
	if err := m.Assign("agent-1", p); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Assign("agent-1", p); err == nil {
		t.Error("re-assignment of live agent accepted")
	}
	got, ok := m.AgentProfile("agent-1")
	if !ok || got != p {
		t.Error("assigned profile not retrievable")
	}

	m.Release("agent-1")
	if _, ok := m.AgentProfile("agent-1"); ok {
		t.Error("released assignment still present")
	}
	if err := m.Assign("agent-1", p); err != nil {
		t.Errorf("assign after release: %v", err)
	}
}

func TestManagerCustomProfileFromDisk(t *testing.T) {
	dir := t.TempDir()
	custom := `
level: custom
tools:
  allowed: [Read]
capabilities:
  agent_messaging: true
`
	if err := os.WriteFile(filepath.Join(dir, "auditor.yaml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(dir, false)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	p, ok := m.Profile("auditor")
	if !ok {
		t.Fatal("custom profile not loaded")
	}
	if !p.IsAllowed("Read") || p.IsAllowed("Write") {
		t.Errorf("custom profile tools wrong: %+v", p.Tools)
	}
	// Operator files suppress default seeding.
	if _, ok := m.Profile("standard"); ok {
		t.Error("defaults seeded over operator-managed directory")
	}
}

func TestValidatePath(t *testing.T) {
	sandbox := t.TempDir()
	os.MkdirAll(filepath.Join(sandbox, "workspace"), 0o755)
	p := prof(nil) // read: workspace, shared; write: workspace

	tests := []struct {
		name  string
		path  string
		write bool
		ok    bool
	}{
		{"relative inside workspace", "workspace/notes.txt", false, true},
		{"write inside workspace", "workspace/out.txt", true, true},
		{"write to read-only root", "shared/x", true, false},
		{"relative escape", "workspace/../../etc/passwd", false, false},
		{"absolute outside", "/etc/passwd", false, false},
		{"absolute inside", filepath.Join(sandbox, "workspace", "a"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(p, sandbox, tt.path, tt.write)
			if (err == nil) != tt.ok {
				t.Errorf("ValidatePath(%q, write=%v) = %v, want ok=%v", tt.path, tt.write, err, tt.ok)
			}
		})
	}
}

func TestValidatePathSymlink(t *testing.T) {
	sandbox := t.TempDir()
	ws := filepath.Join(sandbox, "workspace")
	os.MkdirAll(ws, 0o755)
	target := filepath.Join(sandbox, "outside.txt")
	os.WriteFile(target, []byte("x"), 0o644)
	link := filepath.Join(ws, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlink: %v", err)
	}

	strict := prof(nil)
	if err := ValidatePath(strict, sandbox, "workspace/link.txt", false); err == nil {
		t.Error("symlink accepted without allow_symlinks")
	}
	lax := prof(func(p *Profile) { p.Filesystem.AllowSymlinks = true })
	if err := ValidatePath(lax, sandbox, "workspace/link.txt", false); err != nil {
		t.Errorf("symlink rejected with allow_symlinks: %v", err)
	}
}
