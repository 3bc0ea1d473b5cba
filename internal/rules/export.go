package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// Export renders the committed state in format f and writes one
// rules-<policy>.<ext> file per policy into dir (the store directory when
// dir is empty). It returns the written paths.
func (s *Store) Export(ctx context.Context, f Format, dir string) ([]string, error) {
	if _, err := codecFor(f); err != nil {
		return nil, err
	}
	st, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return writeRendered(st, f, s.exportDir(dir))
}

// Init creates the exported rule files of format f that do not exist yet,
// each holding the current members of its policy. Existing files are left
// alone. It returns the created paths.
func (s *Store) Init(ctx context.Context, f Format, dir string) ([]string, error) {
	if _, err := codecFor(f); err != nil {
		return nil, err
	}
	st, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	dir = s.exportDir(dir)
	rendered, err := st.Render(f)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	var created []string
	for _, p := range model.Policies() {
		name, _ := FileName(f, p)
		path := filepath.Join(dir, name)
		if exists(path) {
			continue
		}
		if err := writeAtomic(path, rendered[p]); err != nil {
			return created, fmt.Errorf("%w: %v", ErrPersist, err)
		}
		created = append(created, path)
	}
	return created, nil
}

func (s *Store) exportDir(dir string) string {
	if dir == "" {
		return s.dir
	}
	return dir
}

func writeRendered(st State, f Format, dir string) ([]string, error) {
	rendered, err := st.Render(f)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	paths := make([]string, 0, len(rendered))
	for _, p := range model.Policies() {
		name, _ := FileName(f, p)
		path := filepath.Join(dir, name)
		if err := writeAtomic(path, rendered[p]); err != nil {
			return paths, fmt.Errorf("%w: %v", ErrPersist, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
