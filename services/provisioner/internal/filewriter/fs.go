package filewriter

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FS is the file system the writer persists documents to.
type FS interface {
	ReadFile(name string) ([]byte, error)
	Stat(name string) (fs.FileInfo, error)
	MkdirAll(name string, perm fs.FileMode) error
	// WriteFile replaces name atomically.
	WriteFile(name string, data []byte, perm fs.FileMode) error
}

// Dir is an FS rooted at a host directory. The zero value addresses the real root.
type Dir struct {
	Root string
}

// Resolve maps an absolute target path to its location under Root.
func (d Dir) Resolve(name string) string {
	if d.Root == "" {
		return filepath.Clean(name)
	}
	return filepath.Join(d.Root, filepath.Clean("/"+name))
}

func (d Dir) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(d.Resolve(name))
}

func (d Dir) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(d.Resolve(name))
}

func (d Dir) MkdirAll(name string, perm fs.FileMode) error {
	return os.MkdirAll(d.Resolve(name), perm)
}

func (d Dir) WriteFile(name string, data []byte, perm fs.FileMode) error {
	target := d.Resolve(name)
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
