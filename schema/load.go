package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a schema from disk. The path may point to a YAML or JSON
// file, a CUE file, or a directory of YAML fragments that are merged in
// lexical order. Included fragments are resolved relative to the
// including file; include cycles are rejected.
func Load(path string) (*Schema, error) {
	if path == "" {
		return nil, errors.New("schema path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve schema path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat schema path: %w", err)
	}

	visited := make(map[string]struct{})
	if info.IsDir() {
		return loadDir(abs, visited)
	}
	return loadFile(abs, visited)
}

func loadFile(path string, visited map[string]struct{}) (*Schema, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("schema include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return loadCUEFile(path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}

	schema := &Schema{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(raw, schema); err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(raw, schema); err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", path, err)
		}
	}
	schema.addSource(path)

	includes := schema.Include
	schema.Include = nil
	baseDir := filepath.Dir(path)
	for _, include := range includes {
		if include == "" {
			continue
		}
		includePath := include
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, include)
		}
		info, err := os.Stat(includePath)
		if err != nil {
			return nil, fmt.Errorf("load include %s: %w", include, err)
		}
		var fragment *Schema
		if info.IsDir() {
			fragment, err = loadDir(includePath, visited)
		} else {
			fragment, err = loadFile(includePath, visited)
		}
		if err != nil {
			return nil, fmt.Errorf("load include %s: %w", include, err)
		}
		if err := mergeSchema(schema, fragment); err != nil {
			return nil, fmt.Errorf("merge include %s: %w", include, err)
		}
	}
	return schema, nil
}

func loadDir(path string, visited map[string]struct{}) (*Schema, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("schema include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := &Schema{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		fragment, err := loadFile(filepath.Join(path, entry.Name()), visited)
		if err != nil {
			return nil, err
		}
		if err := mergeSchema(result, fragment); err != nil {
			return nil, fmt.Errorf("merge %s: %w", entry.Name(), err)
		}
	}
	return result, nil
}

func mergeSchema(dst, src *Schema) error {
	if dst == nil || src == nil {
		return nil
	}
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	for _, entry := range src.Fields {
		if _, exists := dst.Fields.Get(entry.Name); exists {
			return fmt.Errorf("duplicate field %q", entry.Name)
		}
		dst.Fields = append(dst.Fields, entry)
	}
	dst.Logic.Calculated = append(dst.Logic.Calculated, src.Logic.Calculated...)
	for _, source := range src.SourceFiles() {
		dst.addSource(source)
	}
	return nil
}
