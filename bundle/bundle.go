// Package bundle packages a set of layout files into a versioned
// artifact with a content hash, and moves bundles through OCI
// registries for distribution.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vitrinelabs/vitrine/layout"
)

// Manifest describes a layout bundle. LayoutFiles are paths relative
// to the bundle root; ContentHash covers their contents in sorted
// order, so identical layout sets hash identically regardless of
// build host.
type Manifest struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	LayoutFiles []string  `json:"layout_files"`
	LayoutCount int       `json:"layout_count"`
	ContentHash string    `json:"content_hash"`
}

// Bundle pairs a manifest with the directory its files live in.
type Bundle struct {
	Manifest
	Dir string `json:"-"`
}

const manifestFile = "bundle.json"

// Build scans dir for layout files, validates them, and produces a
// bundle manifest. Validation errors fail the build.
func Build(name, version, dir string) (*Bundle, error) {
	var files []string
	var all []layout.Layout
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !layout.LayoutFile(path) {
			return nil
		}
		if info.Name() == manifestFile {
			return nil
		}
		layouts, err := layout.ParseFile(path)
		if err != nil {
			return fmt.Errorf("bundle: %w", err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		all = append(all, layouts...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("bundle: no layout files found in %s", dir)
	}

	issues := layout.ValidateAll(all)
	if layout.HasErrors(issues) {
		return nil, fmt.Errorf("bundle: layout validation failed: %v", issues)
	}

	sort.Strings(files)
	hash, err := hashFiles(dir, files)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Manifest: Manifest{
			Name:        name,
			Version:     version,
			CreatedAt:   time.Now().UTC(),
			LayoutFiles: files,
			LayoutCount: len(all),
			ContentHash: hash,
		},
		Dir: dir,
	}, nil
}

func hashFiles(dir string, files []string) (string, error) {
	h := sha256.New()
	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return "", fmt.Errorf("bundle: read %s: %w", file, err)
		}
		fmt.Fprintf(h, "%s\x00", file)
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Save writes the manifest into the bundle directory.
func (b *Bundle) Save() error {
	data, err := json.MarshalIndent(b.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(b.Dir, manifestFile), data, 0o644)
}

// Load reads a bundle manifest from dir and verifies the content hash
// still matches the files on disk.
func Load(dir string) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("bundle: read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("bundle: parse manifest: %w", err)
	}

	hash, err := hashFiles(dir, manifest.LayoutFiles)
	if err != nil {
		return nil, err
	}
	if hash != manifest.ContentHash {
		return nil, fmt.Errorf("bundle: content hash mismatch (manifest %s, disk %s)", manifest.ContentHash, hash)
	}
	return &Bundle{Manifest: manifest, Dir: dir}, nil
}

// Layouts parses every layout file in the bundle.
func (b *Bundle) Layouts() ([]layout.Layout, error) {
	var all []layout.Layout
	for _, file := range b.LayoutFiles {
		layouts, err := layout.ParseFile(filepath.Join(b.Dir, file))
		if err != nil {
			return nil, fmt.Errorf("bundle: %w", err)
		}
		all = append(all, layouts...)
	}
	return all, nil
}
