package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

var (
	overlayMu sync.RWMutex
	overlays  = make(map[string]load.Source)
)

// RegisterOverlay registers a virtual CUE file so embedded schemas can be
// loaded without touching the filesystem.
func RegisterOverlay(path string, src load.Source) error {
	normalized, err := normalizeOverlayPath(path)
	if err != nil {
		return err
	}
	if src == nil {
		return errors.New("overlay source must not be nil")
	}
	overlayMu.Lock()
	defer overlayMu.Unlock()
	if _, exists := overlays[normalized]; exists {
		return fmt.Errorf("overlay %s already registered", normalized)
	}
	overlays[normalized] = src
	return nil
}

// RegisterOverlayString registers a virtual CUE file from a raw string.
func RegisterOverlayString(path, cue string) error {
	return RegisterOverlay(path, load.FromString(cue))
}

func normalizeOverlayPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("overlay path must not be empty")
	}
	cleaned := filepath.Clean(trimmed)
	if cleaned == "." || cleaned == string(filepath.Separator) {
		return "", errors.New("overlay path must reference a file")
	}
	return cleaned, nil
}

// ResolveOverlays returns a copy of the overlay registry keyed by
// absolute paths for load.Config.
func ResolveOverlays(baseDir string) map[string]load.Source {
	overlayMu.RLock()
	defer overlayMu.RUnlock()
	if len(overlays) == 0 {
		return nil
	}
	resolved := make(map[string]load.Source, len(overlays))
	for path, src := range overlays {
		if filepath.IsAbs(path) {
			resolved[path] = src
			continue
		}
		resolved[filepath.Join(baseDir, path)] = src
	}
	return resolved
}

// ResetOverlaysForTest clears the overlay registry. Intended for tests only.
func ResetOverlaysForTest() {
	overlayMu.Lock()
	overlays = make(map[string]load.Source)
	overlayMu.Unlock()
}

// LoadCUE reads a schema from a CUE file. Registered overlays are
// resolved relative to the file's directory.
func LoadCUE(path string) (*Schema, error) {
	if path == "" {
		return nil, errors.New("schema path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve schema path: %w", err)
	}
	return loadCUEFile(abs)
}

func loadCUEFile(path string) (*Schema, error) {
	dir := filepath.Dir(path)
	cfg := &load.Config{Dir: dir, Overlay: ResolveOverlays(dir)}
	instances := load.Instances([]string{path}, cfg)
	if len(instances) == 0 {
		return nil, fmt.Errorf("load cue schema %s: no instances", path)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load cue schema %s: %w", path, inst.Err)
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("build cue schema %s: %w", path, err)
	}
	if err := value.Validate(); err != nil {
		return nil, fmt.Errorf("validate cue schema %s: %w", path, err)
	}

	// Export through JSON so ordered field decoding applies.
	data, err := value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export cue schema %s: %w", path, err)
	}
	schema := &Schema{}
	if err := json.Unmarshal(data, schema); err != nil {
		return nil, fmt.Errorf("decode cue schema %s: %w", path, err)
	}
	schema.Include = nil
	schema.addSource(path)
	return schema, nil
}
