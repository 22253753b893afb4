package transfer

import (
	"fmt"
	"os"

	"github.com/websoft9/devicelink/internal/fileutil"
)

// jail confines client paths to a ticket's upload directory. Clients see the
// directory as "/".
type jail struct {
	root string
}

// resolve maps a client path to its path relative to the root and its
// absolute location. The root itself is not a valid target.
func (j jail) resolve(clientPath string) (rel, abs string, err error) {
	rel = fileutil.VirtualRel(clientPath)
	abs, err = fileutil.ResolveSafePath(j.root, rel)
	if err != nil {
		return "", "", fmt.Errorf("%q: %w", clientPath, err)
	}
	return rel, abs, nil
}

// isDir reports whether clientPath names an existing directory in the jail,
// the root included.
func (j jail) isDir(clientPath string) bool {
	abs := j.root
	if rel := fileutil.VirtualRel(clientPath); rel != "" {
		var err error
		if abs, err = fileutil.ResolveSafePath(j.root, rel); err != nil {
			return false
		}
	}
	fi, err := os.Stat(abs)
	return err == nil && fi.IsDir()
}

// create opens a new file at clientPath. Existing files are never reopened,
// so a recorded upload cannot be overwritten. Parent directories are not
// created.
func (j jail) create(clientPath string) (*os.File, string, error) {
	rel, abs, err := j.resolve(clientPath)
	if err != nil {
		return nil, "", err
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, "", err
	}
	return f, rel, nil
}
