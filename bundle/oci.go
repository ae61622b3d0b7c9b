package bundle

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Push publishes the bundle to an OCI registry as a two-layer image:
// a tar of the layout files and a final layer holding the manifest.
func (b *Bundle) Push(imageRef string) error {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return fmt.Errorf("bundle: parse reference: %w", err)
	}

	img := empty.Image

	layoutTar, err := b.layoutLayerTar()
	if err != nil {
		return err
	}
	layoutLayer, err := tarball.LayerFromReader(bytes.NewReader(layoutTar))
	if err != nil {
		return fmt.Errorf("bundle: create layout layer: %w", err)
	}
	img, err = mutate.AppendLayers(img, layoutLayer)
	if err != nil {
		return fmt.Errorf("bundle: append layout layer: %w", err)
	}

	manifestJSON, err := json.Marshal(b.Manifest)
	if err != nil {
		return fmt.Errorf("bundle: marshal manifest: %w", err)
	}
	manifestLayer, err := tarball.LayerFromReader(bytes.NewReader(manifestJSON))
	if err != nil {
		return fmt.Errorf("bundle: create manifest layer: %w", err)
	}
	img, err = mutate.AppendLayers(img, manifestLayer)
	if err != nil {
		return fmt.Errorf("bundle: append manifest layer: %w", err)
	}

	configFile, err := img.ConfigFile()
	if err != nil {
		return fmt.Errorf("bundle: image config: %w", err)
	}
	configFile.Config.Labels = map[string]string{
		"com.vitrinelabs.bundle.name":    b.Name,
		"com.vitrinelabs.bundle.version": b.Version,
		"com.vitrinelabs.bundle.hash":    b.ContentHash,
	}
	img, err = mutate.Config(img, configFile.Config)
	if err != nil {
		return fmt.Errorf("bundle: update image config: %w", err)
	}

	if err := remote.Write(ref, img, remote.WithAuthFromKeychain(authn.DefaultKeychain)); err != nil {
		return fmt.Errorf("bundle: push image: %w", err)
	}
	return nil
}

func (b *Bundle) layoutLayerTar() ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, file := range b.LayoutFiles {
		data, err := os.ReadFile(filepath.Join(b.Dir, file))
		if err != nil {
			return nil, fmt.Errorf("bundle: read %s: %w", file, err)
		}
		if err := tw.WriteHeader(&tar.Header{Name: file, Size: int64(len(data)), Mode: 0o644}); err != nil {
			return nil, fmt.Errorf("bundle: tar header %s: %w", file, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("bundle: tar write %s: %w", file, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("bundle: close tar: %w", err)
	}
	return buf.Bytes(), nil
}

// Pull fetches a bundle image into outputDir and verifies its content
// hash. The returned bundle is rooted at outputDir.
func Pull(imageRef, outputDir string) (*Bundle, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("bundle: parse reference: %w", err)
	}
	img, err := remote.Image(ref, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, fmt.Errorf("bundle: pull image: %w", err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("bundle: image layers: %w", err)
	}
	if len(layers) < 2 {
		return nil, fmt.Errorf("bundle: image has %d layers, want at least 2", len(layers))
	}

	manifestContent, err := layers[len(layers)-1].Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("bundle: manifest layer: %w", err)
	}
	defer manifestContent.Close()
	manifestData, err := io.ReadAll(manifestContent)
	if err != nil {
		return nil, fmt.Errorf("bundle: read manifest layer: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("bundle: parse manifest layer: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("bundle: create output dir: %w", err)
	}
	for _, layer := range layers[:len(layers)-1] {
		rc, err := layer.Uncompressed()
		if err != nil {
			return nil, fmt.Errorf("bundle: layout layer: %w", err)
		}
		err = extractTar(rc, outputDir)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}

	hash, err := hashFiles(outputDir, manifest.LayoutFiles)
	if err != nil {
		return nil, err
	}
	if hash != manifest.ContentHash {
		return nil, fmt.Errorf("bundle: pulled content hash mismatch")
	}
	return &Bundle{Manifest: manifest, Dir: outputDir}, nil
}

func extractTar(r io.Reader, targetDir string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("bundle: read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		// Reject entries escaping the target directory.
		cleaned := filepath.Clean(header.Name)
		if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
			return fmt.Errorf("bundle: unsafe tar entry %q", header.Name)
		}
		dest := filepath.Join(targetDir, cleaned)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("bundle: create dir for %s: %w", header.Name, err)
		}
		out, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("bundle: create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("bundle: write %s: %w", dest, err)
		}
		out.Close()
	}
}
