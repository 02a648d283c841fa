package remote

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// ErrNotDirectory is returned when a path that must be a directory is a file
var ErrNotDirectory = errors.New("not a directory")

// FS is the part of an SFTP client used to maintain remote directories.
// *sftp.Client satisfies it.
type FS interface {
	Stat(p string) (os.FileInfo, error)
	Mkdir(p string) error
	ReadDir(p string) ([]os.FileInfo, error)
	Remove(p string) error
	RemoveDirectory(p string) error
}

// MkdirAll makes sure dir exists, creating missing parents like mkdir -p.
// It reports whether any directory was created. "/" and "" are no-ops.
func MkdirAll(fsys FS, dir string) (bool, error) {
	if dir == "/" || dir == "" || dir == "." {
		return false, nil
	}
	dir = strings.TrimRight(dir, "/")
	if dir == "" {
		return false, nil
	}

	info, err := fsys.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s: %w", dir, ErrNotDirectory)
		}
		return false, nil
	}
	if !isNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", dir, err)
	}

	if _, err := MkdirAll(fsys, path.Dir(dir)); err != nil {
		return false, err
	}
	if err := fsys.Mkdir(dir); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return true, nil
}

// RemoveAll deletes dir and everything below it
func RemoveAll(fsys FS, dir string) error {
	if err := RemoveContents(fsys, dir); err != nil {
		return err
	}
	if err := fsys.RemoveDirectory(dir); err != nil {
		return fmt.Errorf("rmdir %s: %w", dir, err)
	}
	return nil
}

// RemoveContents empties dir recursively but keeps dir itself
func RemoveContents(fsys FS, dir string) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	for _, entry := range entries {
		p := path.Join(dir, entry.Name())
		if isDir(fsys, p) {
			if err := RemoveAll(fsys, p); err != nil {
				return err
			}
			continue
		}
		if err := fsys.Remove(p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// isDir stats p; entries that cannot be stat'ed are treated as files
func isDir(fsys FS, p string) bool {
	info, err := fsys.Stat(p)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}
