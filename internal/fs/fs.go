package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// File represents an open file.
type File interface {
	io.ReadWriteCloser
	Sync() error
	Stat() (os.FileInfo, error)
}

// FileSystem abstracts file system operations for testability.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(name string) ([]os.DirEntry, error)
}

// LocalFS implements FileSystem using the local os package.
type LocalFS struct{}

func (LocalFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

func (LocalFS) Remove(name string) error              { return os.Remove(name) }
func (LocalFS) Rename(oldpath, newpath string) error  { return os.Rename(oldpath, newpath) }
func (LocalFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (LocalFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}
func (LocalFS) ReadDir(name string) ([]os.DirEntry, error) { return os.ReadDir(name) }

// Default is the default local file system.
var Default FileSystem = LocalFS{}

// Exists reports whether name refers to an existing regular file.
// Errors other than "does not exist" are returned to the caller.
func Exists(fsys FileSystem, name string) (bool, error) {
	fi, err := fsys.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

// Walk visits every regular file below root in lexical order, descending
// into sub-directories as they are encountered. Returning false from visit
// stops the walk.
func Walk(fsys FileSystem, root string, visit func(path string) bool) error {
	_, err := walk(fsys, root, visit)
	return err
}

func walk(fsys FileSystem, dir string, visit func(path string) bool) (bool, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return false, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			cont, err := walk(fsys, p, visit)
			if err != nil || !cont {
				return cont, err
			}
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		if !visit(p) {
			return false, nil
		}
	}
	return true, nil
}
