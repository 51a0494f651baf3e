package language

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/opensandbox/runbox/pkg/types"
)

func renderRequirements(_ string, deps []types.Dependency) string {
	var b strings.Builder
	for _, d := range deps {
		if d.Version == "" {
			b.WriteString(d.Name)
		} else {
			fmt.Fprintf(&b, "%s==%s", d.Name, d.Version)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type packageJSON struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Private      bool              `json:"private"`
	Dependencies map[string]string `json:"dependencies"`
}

func renderPackageJSON(projectName string, deps []types.Dependency) string {
	pkg := packageJSON{
		Name:         npmName(projectName),
		Version:      "1.0.0",
		Private:      true,
		Dependencies: make(map[string]string, len(deps)),
	}
	for _, d := range deps {
		v := d.Version
		if v == "" {
			v = "*"
		}
		pkg.Dependencies[d.Name] = v
	}
	// map keys marshal sorted, so output is stable
	out, _ := json.MarshalIndent(pkg, "", "  ")
	return string(out) + "\n"
}

func renderGoMod(projectName string, deps []types.Dependency) string {
	var b strings.Builder
	fmt.Fprintf(&b, "module %s\n\ngo 1.24\n", goModuleName(projectName))
	if len(deps) == 0 {
		return b.String()
	}
	b.WriteString("\nrequire (\n")
	for _, d := range deps {
		v := d.Version
		if v == "" {
			v = "latest"
		} else if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		fmt.Fprintf(&b, "\t%s %s\n", d.Name, v)
	}
	b.WriteString(")\n")
	return b.String()
}

func renderGemfile(_ string, deps []types.Dependency) string {
	var b strings.Builder
	b.WriteString("source 'https://rubygems.org'\n")
	if len(deps) > 0 {
		b.WriteByte('\n')
	}
	for _, d := range deps {
		if d.Version == "" {
			fmt.Fprintf(&b, "gem '%s'\n", d.Name)
		} else {
			fmt.Fprintf(&b, "gem '%s', '%s'\n", d.Name, d.Version)
		}
	}
	return b.String()
}

var nonIdent = regexp.MustCompile(`[^a-z0-9._-]+`)

func npmName(name string) string {
	n := strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(name), "-"), "-._")
	if n == "" {
		return "project"
	}
	return n
}

func goModuleName(name string) string {
	return "example.com/" + npmName(name)
}
