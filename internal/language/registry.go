package language

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/opensandbox/runbox/pkg/types"
)

const (
	// EntryPlaceholder is replaced with the entry file path in RunCommand.
	EntryPlaceholder = "{entry}"

	// PackagePlaceholder is replaced with the entry's directory, relative
	// to the workspace, in PackageRunCommand.
	PackagePlaceholder = "{package}"
)

// Renderer turns a dependency list into manifest text. Renderers are pure.
type Renderer func(projectName string, deps []types.Dependency) string

// Descriptor describes how to run one language. Descriptors are never
// mutated after the registry is built.
type Descriptor struct {
	ID            string
	DisplayName   string
	FileExtension string
	SourceFile    string // entry file used for snippets and as the project default
	Image         string
	RunCommand    []string
	Env           map[string]string

	// PackageRunCommand, when set, runs projects by package rather than
	// by file so sibling sources are compiled in.
	PackageRunCommand []string

	ManifestFilename string
	Renderer         Renderer

	DefaultTimeout  time.Duration
	DefaultMemoryMB int
	DefaultCPUShare float64

	// ErrorPatterns mark a run as failed when matched against stderr,
	// regardless of exit code.
	ErrorPatterns []*regexp.Regexp
}

// Command returns the run command with the entry file substituted.
func (d *Descriptor) Command(entry string) []string {
	cmd := make([]string, len(d.RunCommand))
	for i, arg := range d.RunCommand {
		cmd[i] = strings.ReplaceAll(arg, EntryPlaceholder, entry)
	}
	return cmd
}

// ProjectCommand returns the command for running entry, a path relative
// to workspaceDir, inside a project. The sandbox's working directory must
// be workspaceDir.
func (d *Descriptor) ProjectCommand(workspaceDir, entry string) []string {
	if len(d.PackageRunCommand) == 0 {
		return d.Command(path.Join(workspaceDir, entry))
	}
	pkg := "."
	if dir := path.Dir(entry); dir != "." {
		pkg = "./" + dir
	}
	cmd := make([]string, len(d.PackageRunCommand))
	for i, arg := range d.PackageRunCommand {
		cmd[i] = strings.ReplaceAll(arg, PackagePlaceholder, pkg)
	}
	return cmd
}

// HasManifest reports whether the language renders a dependency manifest.
func (d *Descriptor) HasManifest() bool {
	return d.ManifestFilename != "" && d.Renderer != nil
}

// RenderManifest renders deps for this language. It returns an empty
// filename for languages without a manifest.
func (d *Descriptor) RenderManifest(projectName string, deps []types.Dependency) (string, string) {
	if !d.HasManifest() {
		return "", ""
	}
	return d.ManifestFilename, d.Renderer(projectName, deps)
}

// MatchesError reports whether stderr contains a recognized runtime error.
func (d *Descriptor) MatchesError(stderr string) bool {
	for _, re := range d.ErrorPatterns {
		if re.MatchString(stderr) {
			return true
		}
	}
	return false
}

// Info returns the public view of the descriptor.
func (d *Descriptor) Info() types.LanguageInfo {
	return types.LanguageInfo{
		ID:               d.ID,
		DisplayName:      d.DisplayName,
		FileExtension:    d.FileExtension,
		SourceFile:       d.SourceFile,
		Image:            d.Image,
		ManifestFilename: d.ManifestFilename,
		DefaultTimeoutMs: int(d.DefaultTimeout / time.Millisecond),
		DefaultMemoryMB:  d.DefaultMemoryMB,
		DefaultCPUShare:  d.DefaultCPUShare,
	}
}

// Registry is a closed set of language descriptors resolved once at
// startup. It is safe for concurrent use because it is never written after
// NewRegistry returns.
type Registry struct {
	languages map[string]*Descriptor
	ids       []string
}

// NewRegistry builds the registry from the built-in languages. images
// overrides the container image per language id.
func NewRegistry(images map[string]string) *Registry {
	r := &Registry{languages: make(map[string]*Descriptor)}
	for _, d := range builtins() {
		if img, ok := images[d.ID]; ok && img != "" {
			d.Image = img
		}
		r.languages[d.ID] = d
		r.ids = append(r.ids, d.ID)
	}
	sort.Strings(r.ids)
	return r
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (*Descriptor, error) {
	d, ok := r.languages[strings.ToLower(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnsupportedLanguage, id)
	}
	return d, nil
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.languages[id])
	}
	return out
}

// IDs returns the supported language ids, sorted.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

func builtins() []*Descriptor {
	return []*Descriptor{
		{
			ID:               "python",
			DisplayName:      "Python 3",
			FileExtension:    ".py",
			SourceFile:       "main.py",
			Image:            "docker.io/library/python:3.12-slim",
			RunCommand:       []string{"python3", "-u", EntryPlaceholder},
			Env:              map[string]string{"PYTHONDONTWRITEBYTECODE": "1"},
			ManifestFilename: "requirements.txt",
			Renderer:         renderRequirements,
			DefaultTimeout:   10 * time.Second,
			DefaultMemoryMB:  256,
			DefaultCPUShare:  0.5,
			ErrorPatterns: []*regexp.Regexp{
				regexp.MustCompile(`Traceback \(most recent call last\)`),
				regexp.MustCompile(`(?m)^\w*(Error|Exception): `),
			},
		},
		{
			ID:               "javascript",
			DisplayName:      "JavaScript (Node.js)",
			FileExtension:    ".js",
			SourceFile:       "main.js",
			Image:            "docker.io/library/node:22-slim",
			RunCommand:       []string{"node", EntryPlaceholder},
			ManifestFilename: "package.json",
			Renderer:         renderPackageJSON,
			DefaultTimeout:   10 * time.Second,
			DefaultMemoryMB:  256,
			DefaultCPUShare:  0.5,
			ErrorPatterns: []*regexp.Regexp{
				regexp.MustCompile(`(?m)^\w*Error: `),
				regexp.MustCompile(`(?m)^\s+at .+:\d+:\d+\)?$`),
			},
		},
		{
			ID:               "typescript",
			DisplayName:      "TypeScript (Node.js)",
			FileExtension:    ".ts",
			SourceFile:       "main.ts",
			Image:            "docker.io/library/node:22-slim",
			RunCommand:       []string{"node", "--experimental-strip-types", "--no-warnings", EntryPlaceholder},
			ManifestFilename: "package.json",
			Renderer:         renderPackageJSON,
			DefaultTimeout:   10 * time.Second,
			DefaultMemoryMB:  256,
			DefaultCPUShare:  0.5,
			ErrorPatterns: []*regexp.Regexp{
				regexp.MustCompile(`(?m)^\w*Error: `),
				regexp.MustCompile(`(?m)^\s+at .+:\d+:\d+\)?$`),
			},
		},
		{
			ID:            "go",
			DisplayName:   "Go",
			FileExtension: ".go",
			SourceFile:    "main.go",
			Image:         "docker.io/library/golang:1.24-alpine",
			RunCommand:    []string{"go", "run", EntryPlaceholder},
			// a project is a module; the entry's package holds every file
			PackageRunCommand: []string{"go", "run", PackagePlaceholder},
			// rootfs is read-only; the toolchain caches go to the tmpfs.
			Env: map[string]string{
				"HOME":        "/tmp",
				"GOCACHE":     "/tmp/gocache",
				"GOPATH":      "/tmp/go",
				"GOFLAGS":     "-mod=mod",
				"GOTOOLCHAIN": "local",
				"CGO_ENABLED": "0",
			},
			ManifestFilename: "go.mod",
			Renderer:         renderGoMod,
			DefaultTimeout:   20 * time.Second,
			DefaultMemoryMB:  512,
			DefaultCPUShare:  1,
			ErrorPatterns: []*regexp.Regexp{
				regexp.MustCompile(`(?m)^panic: `),
				regexp.MustCompile(`(?m)^# command-line-arguments`),
			},
		},
		{
			ID:               "ruby",
			DisplayName:      "Ruby",
			FileExtension:    ".rb",
			SourceFile:       "main.rb",
			Image:            "docker.io/library/ruby:3.3-slim",
			RunCommand:       []string{"ruby", EntryPlaceholder},
			ManifestFilename: "Gemfile",
			Renderer:         renderGemfile,
			DefaultTimeout:   10 * time.Second,
			DefaultMemoryMB:  256,
			DefaultCPUShare:  0.5,
			ErrorPatterns: []*regexp.Regexp{
				regexp.MustCompile(`\(\w+(Error|Exception)\)`),
			},
		},
		{
			ID:              "bash",
			DisplayName:     "Bash",
			FileExtension:   ".sh",
			SourceFile:      "main.sh",
			Image:           "docker.io/library/bash:5.2",
			RunCommand:      []string{"bash", EntryPlaceholder},
			DefaultTimeout:  10 * time.Second,
			DefaultMemoryMB: 128,
			DefaultCPUShare: 0.5,
		},
	}
}
