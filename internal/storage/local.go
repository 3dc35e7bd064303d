package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/54b3r/casechat/internal/rag"
)

// LocalLister serves files from a directory tree on disk.
type LocalLister struct {
	root string
}

// NewLocalLister returns a LocalLister rooted at root.
func NewLocalLister(root string) *LocalLister {
	return &LocalLister{root: root}
}

// Root returns the configured root directory.
func (l *LocalLister) Root() string { return l.root }

func (l *LocalLister) dir(scope rag.Scope) (string, error) {
	prefix, err := Prefix(scope)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(prefix)), nil
}

// ListFiles returns the regular files directly under the scope's directory,
// sorted by name. A missing directory is an empty scope.
func (l *LocalLister) ListFiles(_ context.Context, scope rag.Scope) ([]rag.FileInfo, error) {
	dir, err := l.dir(scope)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}

	files := make([]rag.FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("storage: stat %s: %w", e.Name(), err)
		}
		files = append(files, rag.FileInfo{Name: e.Name(), Size: info.Size(), CreatedAt: info.ModTime()})
	}
	sortFiles(files)
	return files, nil
}

// ReadFile returns the content of name within scope.
func (l *LocalLister) ReadFile(_ context.Context, scope rag.Scope, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir, err := l.dir(scope)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", name, err)
	}
	return data, nil
}
