package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFile reads a layout file, YAML or JSON by extension. The file
// may hold a single layout object or a {layouts: [...]} collection.
func ParseFile(path string) ([]Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("layout: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parse(data, json.Unmarshal, path)
	case ".yaml", ".yml":
		return parse(data, func(b []byte, v interface{}) error { return yaml.Unmarshal(b, v) }, path)
	default:
		return nil, fmt.Errorf("layout: %s: unsupported extension (want .yaml, .yml or .json)", path)
	}
}

// LayoutFile reports whether path looks like a layout file.
func LayoutFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func parse(data []byte, unmarshal func([]byte, interface{}) error, path string) ([]Layout, error) {
	// Try the collection shape first; fall back to a single layout.
	var doc Document
	if err := unmarshal(data, &doc); err == nil && len(doc.Layouts) > 0 {
		return doc.Layouts, nil
	}
	var single Layout
	if err := unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("layout: parse %s: %w", path, err)
	}
	if single.Name == "" && len(single.Conditions) == 0 {
		return nil, fmt.Errorf("layout: parse %s: no layouts found", path)
	}
	return []Layout{single}, nil
}

// WriteFile renders layouts back to disk in the format the extension
// names, single object when there is exactly one layout.
func WriteFile(path string, layouts []Layout) error {
	var payload interface{}
	if len(layouts) == 1 {
		payload = layouts[0]
	} else {
		payload = Document{Layouts: layouts}
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(payload, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(payload)
	default:
		return fmt.Errorf("layout: %s: unsupported extension", path)
	}
	if err != nil {
		return fmt.Errorf("layout: encode %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}
