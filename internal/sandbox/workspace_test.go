package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspace_MaterializesFiles(t *testing.T) {
	root := t.TempDir()
	ws, err := newWorkspace(root, map[string]string{
		"main.py":         "print(1)",
		"pkg/util/lib.py": "X = 1",
	})
	if err != nil {
		t.Fatalf("newWorkspace error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(ws.Dir, "pkg", "util", "lib.py"))
	if err != nil {
		t.Fatalf("nested file missing: %v", err)
	}
	if string(data) != "X = 1" {
		t.Errorf("unexpected content %q", data)
	}

	if err := ws.Remove(); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Errorf("expected workspace removed, stat err = %v", err)
	}
}

func TestWorkspace_NestedDirsWritableBySandboxUser(t *testing.T) {
	ws, err := newWorkspace(t.TempDir(), map[string]string{
		"pkg/util/lib.py": "X = 1",
		"pkg/other.py":    "Y = 2",
	})
	if err != nil {
		t.Fatalf("newWorkspace error: %v", err)
	}
	defer ws.Remove()

	for _, dir := range []string{ws.Dir, filepath.Join(ws.Dir, "pkg"), filepath.Join(ws.Dir, "pkg", "util")} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if perm := info.Mode().Perm(); perm != 0777 {
			t.Errorf("expected %s to be 0777, got %o", dir, perm)
		}
	}
}

func TestWorkspace_RejectsEscapes(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"../evil.py", "/etc/passwd", "a/../../b", `a\b`} {
		_, err := newWorkspace(root, map[string]string{name: "x"})
		if err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("expected failed workspaces cleaned up, found %d entries", len(entries))
	}
}
