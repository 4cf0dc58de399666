package manifest

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wippyai/wasm-sandbox/errors"
)

// File serves the single manifest at Path. Lookup accepts the manifest's
// own name, or an empty name.
type File struct {
	Path string

	once sync.Once
	m    *Manifest
	err  error
}

// NewFile returns a provider for the manifest at path. The file is read on
// first lookup.
func NewFile(path string) *File {
	return &File{Path: path}
}

func (f *File) Lookup(ctx context.Context, name string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.once.Do(func() {
		f.m, f.err = Load(f.Path)
	})
	if f.err != nil {
		return nil, f.err
	}
	if name != "" && name != f.m.Name {
		return nil, errors.NotFound(errors.PhaseConfig, "component", name)
	}
	return f.m, nil
}

// Dir serves manifests named <name>.yaml or <name>.yml under Root. Files are
// read on every lookup so edits take effect without a restart.
type Dir struct {
	Root string
}

// NewDir returns a provider for the manifests under root.
func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

func (d *Dir) Lookup(ctx context.Context, name string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, errors.InvalidInput(errors.PhaseConfig, "invalid component name "+name)
	}

	for _, ext := range []string{".yaml", ".yml"} {
		m, err := Load(filepath.Join(d.Root, name+ext))
		if err == nil {
			if m.Name != name {
				return nil, errors.New(errors.PhaseConfig, errors.KindInvalidData).
					Path("component.name").
					Value(m.Name).
					Detail("manifest file %s%s declares component %q", name, ext, m.Name).
					Build()
			}
			return m, nil
		}
		if !stderrors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, errors.NotFound(errors.PhaseConfig, "component", name)
}

// Names lists the components with a manifest under Root.
func (d *Dir) Names() ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
