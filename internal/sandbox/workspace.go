package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// workspace is the host scratch directory bind-mounted into a sandbox. It
// is the only writable location besides the container's tmpfs and is
// removed when the job ends.
type workspace struct {
	Dir string
}

func newWorkspace(root string, files map[string]string) (*workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("failed to create scratch root %s: %w", root, err)
		}
	}
	dir, err := os.MkdirTemp(root, "job-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	// the sandbox user is nobody, so the mount must be writable by others
	if err := os.Chmod(dir, 0777); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to chmod workspace: %w", err)
	}

	ws := &workspace{Dir: dir}
	for name, content := range files {
		if err := ws.write(name, content); err != nil {
			ws.Remove()
			return nil, err
		}
	}
	return ws, nil
}

func (w *workspace) write(name, content string) error {
	if !filepath.IsLocal(filepath.FromSlash(name)) || strings.Contains(name, "\\") {
		return fmt.Errorf("refusing to materialize %q outside the workspace", name)
	}
	path := filepath.Join(w.Dir, filepath.FromSlash(name))
	if err := w.mkdirs(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create parent for %s: %w", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// mkdirs creates dir and its missing parents inside the workspace. The
// umask would strip write access for others, so every directory is
// chmod'ed explicitly.
func (w *workspace) mkdirs(dir string) error {
	rel, err := filepath.Rel(w.Dir, dir)
	if err != nil || rel == "." {
		return err
	}
	cur := w.Dir
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		if err := os.Mkdir(cur, 0777); err != nil && !os.IsExist(err) {
			return err
		}
		if err := os.Chmod(cur, 0777); err != nil {
			return err
		}
	}
	return nil
}

func (w *workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}
