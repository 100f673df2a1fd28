package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/roach88/capsule/internal/ir"
)

// ManifestFile is the manifest's path inside a mod package.
const ManifestFile = "manifest.yaml"

// Mod is a loaded mod package. It is immutable once loaded.
type Mod struct {
	Manifest Manifest

	// Scripts maps file name (e.g. "main.lua") to source.
	Scripts map[string]string

	// Components maps file name to its decoded JSON document.
	Components map[string]any

	// Templates maps file name to raw contents.
	Templates map[string]string

	// Dir is the directory the mod was loaded from, if any.
	Dir string
}

// ID returns the manifest id.
func (m *Mod) ID() string {
	return m.Manifest.ID
}

// ScriptNames returns script names in execution order.
func (m *Mod) ScriptNames() []string {
	names := make([]string, 0, len(m.Scripts))
	for name := range m.Scripts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ReadMod parses a mod package rooted at fsys:
//
//	manifest.yaml
//	scripts/*.lua
//	components/*.json
//	templates/*
//
// Nothing is executed.
func ReadMod(fsys fs.FS) (*Mod, error) {
	data, err := fs.ReadFile(fsys, ManifestFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ir.NewError(ir.KindValidation, "read mod", "%s not found", ManifestFile)
		}
		return nil, fmt.Errorf("read mod: %w", err)
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	mod := &Mod{
		Manifest:   *manifest,
		Scripts:    map[string]string{},
		Components: map[string]any{},
		Templates:  map[string]string{},
	}

	if err := readFiles(fsys, "scripts/*.lua", func(name string, data []byte) error {
		mod.Scripts[name] = string(data)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := readFiles(fsys, "components/*.json", func(name string, data []byte) error {
		doc, err := ir.DecodeJSON(data)
		if err != nil {
			return ir.NewError(ir.KindValidation, "read mod", "component %s: %v", name, err)
		}
		mod.Components[name] = doc
		return nil
	}); err != nil {
		return nil, err
	}
	if err := readFiles(fsys, "templates/*", func(name string, data []byte) error {
		mod.Templates[name] = string(data)
		return nil
	}); err != nil {
		return nil, err
	}

	return mod, nil
}

// ReadModDir reads the mod package in dir.
func ReadModDir(dir string) (*Mod, error) {
	mod, err := ReadMod(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("mod %s: %w", dir, err)
	}
	mod.Dir = dir
	return mod, nil
}

// FindModDirs returns the subdirectories of root that contain a manifest,
// sorted by name.
func FindModDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan mods %s: %w", root, err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

func readFiles(fsys fs.FS, pattern string, fn func(name string, data []byte) error) error {
	matches, err := fs.Glob(fsys, pattern)
	if err != nil {
		return fmt.Errorf("glob %s: %w", pattern, err)
	}
	for _, p := range matches {
		info, err := fs.Stat(fsys, p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			continue
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		if err := fn(path.Base(p), data); err != nil {
			return err
		}
	}
	return nil
}
