package vfs

import (
	"fmt"
	"strings"

	"github.com/opensandbox/runbox/pkg/types"
)

// MaxFilenameLength bounds a project-relative path.
const MaxFilenameLength = 255

// ValidateFilename checks that name is a clean relative path that stays
// inside the project root.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", types.ErrInvalidFilename)
	}
	if len(name) > MaxFilenameLength {
		return fmt.Errorf("%w: longer than %d bytes", types.ErrInvalidFilename, MaxFilenameLength)
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: %q is absolute", types.ErrInvalidFilename, name)
	}
	for _, r := range name {
		if r == '\\' || r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q contains a forbidden character", types.ErrInvalidFilename, name)
		}
	}
	for _, seg := range strings.Split(name, "/") {
		switch seg {
		case "", ".", "..":
			return fmt.Errorf("%w: %q is not a clean relative path", types.ErrInvalidFilename, name)
		}
	}
	return nil
}
