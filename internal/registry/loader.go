// Package registry lists the model files in a directory.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"minima/internal/common/fsutil"
	"minima/internal/model"
)

// Entry is one model file found by Scan. Err holds the inspection failure for
// files that look like models by extension but do not parse.
type Entry struct {
	ID   string
	Path string
	Meta model.Metadata
	Err  error
}

var modelExts = []string{".gguf", ".mnma"}

// Scan reads the headers of every *.gguf and *.mnma file directly under dir.
// ID is the full filename; entries are sorted by ID.
func Scan(dir string) ([]Entry, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []Entry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !slices.Contains(modelExts, strings.ToLower(filepath.Ext(name))) {
			continue
		}
		p := filepath.Join(abs, name)
		md, err := model.Inspect(p)
		out = append(out, Entry{ID: name, Path: p, Meta: md, Err: err})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}
