package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestIsolatedShape(t *testing.T) {
	m := newManager(t)
	sb, err := m.Create("a1", Config{Mode: ModeIsolated})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := filepath.Join(m.Root(), "agents", "a1"); sb.Path != want {
		t.Errorf("path %s, want %s", sb.Path, want)
	}
	for _, d := range []string{"workspace", "shared", "exports", ".agent"} {
		fi, err := os.Stat(filepath.Join(sb.Path, d))
		if err != nil || !fi.IsDir() {
			t.Errorf("missing subdir %s: %v", d, err)
		}
	}
	md, err := readMetadata(sb.Path)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if md.AgentID != "a1" || md.Mode != ModeIsolated || md.UUID != sb.UUID {
		t.Errorf("metadata %+v", md)
	}
	for _, res := range []string{"knowledge", "templates"} {
		link := filepath.Join(sb.Path, "shared", res)
		target, err := os.Readlink(link)
		if err != nil {
			t.Errorf("shared resource link %s: %v", res, err)
			continue
		}
		if target != filepath.Join(m.Root(), "_shared", res) {
			t.Errorf("link %s points at %s", res, target)
		}
	}
}

func TestCreateIdempotentPerAgent(t *testing.T) {
	m := newManager(t)
	first, _ := m.Create("a1", Config{})
	second, err := m.Create("a1", Config{})
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if first != second {
		t.Error("repeat create returned a different sandbox")
	}
}

func TestSharedReusedBySession(t *testing.T) {
	m := newManager(t)
	s1, err := m.Create("a1", Config{Mode: ModeShared, SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("create a1: %v", err)
	}
	s2, err := m.Create("a2", Config{Mode: ModeShared, SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("create a2: %v", err)
	}
	if s1.Path != s2.Path {
		t.Errorf("same session got different paths: %s vs %s", s1.Path, s2.Path)
	}

	// Directory must survive until the last tenant leaves.
	if err := m.Remove("a1", false); err != nil {
		t.Fatalf("remove a1: %v", err)
	}
	if !dirExists(s1.Path) {
		t.Fatal("shared dir removed while a tenant remains")
	}
	if err := m.Remove("a2", false); err != nil {
		t.Fatalf("remove a2: %v", err)
	}
	if dirExists(s1.Path) {
		t.Error("shared dir not removed after last tenant left")
	}
}

func TestSharedRequiresSession(t *testing.T) {
	m := newManager(t)
	if _, err := m.Create("a1", Config{Mode: ModeShared}); err == nil {
		t.Error("shared sandbox accepted without session_id")
	}
}

func TestNestedShapeAndRemoveGuard(t *testing.T) {
	m := newManager(t)
	parent, _ := m.Create("parent", Config{})
	child, err := m.Create("child", Config{
		Mode: ModeNested, ParentAgentID: "parent", ParentAccess: ParentReadWrite,
	})
	if err != nil {
		t.Fatalf("create nested: %v", err)
	}
	if want := filepath.Join(parent.Path, "nested", "child"); child.Path != want {
		t.Errorf("nested path %s, want %s", child.Path, want)
	}
	target, err := os.Readlink(filepath.Join(child.Path, "parent"))
	if err != nil || target != parent.Workspace() {
		t.Errorf("parent link -> %s (%v), want %s", target, err, parent.Workspace())
	}
	marker, err := os.ReadFile(filepath.Join(child.Path, ".parent_access"))
	if err != nil || string(marker) != "read_write" {
		t.Errorf("parent access marker %q (%v)", marker, err)
	}

	// Parent removal must fail while the child is live.
	if err := m.Remove("parent", false); err == nil {
		t.Fatal("removed parent with live nested child")
	}
	if _, ok := m.Get("child"); !ok {
		t.Fatal("failed removal untracked the child")
	}

	if err := m.Remove("parent", true); err != nil {
		t.Fatalf("forced removal: %v", err)
	}
	if _, ok := m.Get("child"); ok {
		t.Error("forced removal left child tracked")
	}
	if dirExists(parent.Path) {
		t.Error("forced removal left directory tree")
	}
}

func TestNestedRequiresTrackedParent(t *testing.T) {
	m := newManager(t)
	if _, err := m.Create("c", Config{Mode: ModeNested, ParentAgentID: "ghost"}); err == nil {
		t.Error("nested sandbox accepted for unknown parent")
	}
}

func TestStats(t *testing.T) {
	m := newManager(t)
	m.Create("a1", Config{})
	m.Create("a2", Config{Mode: ModeShared, SessionID: "s"})
	m.Create("a3", Config{Mode: ModeShared, SessionID: "s"})
	st := m.StatsSnapshot()
	if st.Total != 3 || st.ByMode[ModeIsolated] != 1 || st.ByMode[ModeShared] != 2 {
		t.Errorf("stats %+v", st)
	}
	if st.SharedSessions["s"] != 2 {
		t.Errorf("shared session occupancy %d, want 2", st.SharedSessions["s"])
	}
}

func TestCollectOrphans(t *testing.T) {
	m := newManager(t)
	live, _ := m.Create("live", Config{})

	// Untracked old directory with metadata.
	old := filepath.Join(m.Root(), "agents", "stale")
	os.MkdirAll(old, 0o755)
	writeMetadata(old, metadata{
		UUID: "u", AgentID: "stale", Mode: ModeIsolated,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	// Untracked but fresh.
	fresh := filepath.Join(m.Root(), "agents", "fresh")
	os.MkdirAll(fresh, 0o755)
	writeMetadata(fresh, metadata{
		UUID: "u2", AgentID: "fresh", Mode: ModeIsolated,
		CreatedAt: time.Now(),
	})

	removed, err := m.CollectOrphans(DefaultOrphanAge)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(removed) != 1 || removed[0] != old {
		t.Errorf("removed %v, want only %s", removed, old)
	}
	if !dirExists(live.Path) || !dirExists(fresh) {
		t.Error("collector touched a tracked or fresh sandbox")
	}
	if dirExists(old) {
		t.Error("stale orphan survived")
	}
}
