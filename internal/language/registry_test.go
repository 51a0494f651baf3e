package language

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/opensandbox/runbox/pkg/types"
)

func TestNewRegistry_HasBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	ids := r.IDs()
	want := []string{"bash", "go", "javascript", "python", "ruby", "typescript"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("expected ids %v, got %v", want, ids)
	}

	py, err := r.Get("python")
	if err != nil {
		t.Fatalf("Get(python) error: %v", err)
	}
	if py.ManifestFilename != "requirements.txt" {
		t.Errorf("expected requirements.txt, got %s", py.ManifestFilename)
	}
	if py.DefaultMemoryMB <= 0 || py.DefaultCPUShare <= 0 || py.DefaultTimeout <= 0 {
		t.Errorf("expected positive defaults, got %+v", py.Info())
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("cobol")
	if !errors.Is(err, types.ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestRegistry_GetIsCaseInsensitive(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Get("Python"); err != nil {
		t.Fatalf("Get(Python) error: %v", err)
	}
}

func TestRegistry_ImageOverride(t *testing.T) {
	r := NewRegistry(map[string]string{"python": "registry.local/python:3.11"})
	py, _ := r.Get("python")
	if py.Image != "registry.local/python:3.11" {
		t.Errorf("expected override image, got %s", py.Image)
	}
	js, _ := r.Get("javascript")
	if js.Image == "" {
		t.Error("expected default image for javascript")
	}
}

func TestDescriptor_Command(t *testing.T) {
	r := NewRegistry(nil)
	py, _ := r.Get("python")
	cmd := py.Command("/workspace/app.py")
	if cmd[len(cmd)-1] != "/workspace/app.py" {
		t.Errorf("expected entry substituted, got %v", cmd)
	}
	for _, arg := range py.RunCommand {
		if strings.Contains(arg, "/workspace") {
			t.Fatal("Command mutated the descriptor")
		}
	}
}

func TestDescriptor_ProjectCommand(t *testing.T) {
	r := NewRegistry(nil)
	tests := []struct {
		lang  string
		entry string
		want  string
	}{
		{"go", "main.go", "go run ."},
		{"go", "cmd/tool/main.go", "go run ./cmd/tool"},
		{"python", "main.py", "python3 -u /workspace/main.py"},
		{"python", "pkg/app.py", "python3 -u /workspace/pkg/app.py"},
	}
	for _, tt := range tests {
		d, err := r.Get(tt.lang)
		if err != nil {
			t.Fatalf("Get(%s) error: %v", tt.lang, err)
		}
		if got := strings.Join(d.ProjectCommand("/workspace", tt.entry), " "); got != tt.want {
			t.Errorf("ProjectCommand(%s, %s) = %q, want %q", tt.lang, tt.entry, got, tt.want)
		}
	}
}

func TestDescriptor_MatchesError(t *testing.T) {
	r := NewRegistry(nil)
	tests := []struct {
		lang   string
		stderr string
		want   bool
	}{
		{"python", "Traceback (most recent call last):\n  File \"main.py\", line 1\nNameError: name 'undefined_name' is not defined\n", true},
		{"python", "  File \"main.py\", line 1\n    print(\n         ^\nSyntaxError: '(' was never closed\n", true},
		{"python", "warning: something\n", false},
		{"javascript", "/workspace/main.js:1\nReferenceError: x is not defined\n    at Object.<anonymous> (/workspace/main.js:1:1)\n", true},
		{"ruby", "main.rb:1:in `<main>': undefined local variable or method `x' for main:Object (NameError)\n", true},
		{"go", "panic: boom\n\ngoroutine 1 [running]:\n", true},
		{"bash", "main.sh: line 1: nope: command not found\n", false},
	}
	for _, tt := range tests {
		d, err := r.Get(tt.lang)
		if err != nil {
			t.Fatalf("Get(%s): %v", tt.lang, err)
		}
		if got := d.MatchesError(tt.stderr); got != tt.want {
			t.Errorf("%s MatchesError(%q) = %v, want %v", tt.lang, tt.stderr, got, tt.want)
		}
	}
}

func TestDescriptor_Info(t *testing.T) {
	r := NewRegistry(nil)
	gol, _ := r.Get("go")
	info := gol.Info()
	if info.ID != "go" || info.ManifestFilename != "go.mod" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.DefaultTimeoutMs != 20000 {
		t.Errorf("expected 20000ms, got %d", info.DefaultTimeoutMs)
	}
}
