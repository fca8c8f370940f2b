package plugin

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"relaybot/internal/domain"
)

// ManifestFile is the file name DirDiscovery looks for in each plugin directory.
const ManifestFile = "plugin.yaml"

// BuiltinPrefix marks an entry resolved from the compiled-in module table.
const BuiltinPrefix = "builtin:"

// DefaultEntry is used when a manifest omits entry.
const DefaultEntry = "plugin.wasm"

var pluginIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidPluginID reports whether id is usable as a plugin id and config key.
func ValidPluginID(id string) bool {
	return pluginIDPattern.MatchString(id)
}

// ReadManifest reads and validates the plugin.yaml at path.
func ReadManifest(path string) (*domain.PluginManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes plugin.yaml content. Unknown fields are rejected so
// typos surface as diagnostics instead of silently falling back to defaults.
func ParseManifest(data []byte) (*domain.PluginManifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty manifest", domain.ErrInvalidInput)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m domain.PluginManifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: parse manifest: %v", domain.ErrInvalidInput, err)
	}
	m.ID = strings.TrimSpace(m.ID)
	m.Name = strings.TrimSpace(m.Name)
	m.Entry = strings.TrimSpace(m.Entry)
	if m.ID != "" && !ValidPluginID(m.ID) {
		return nil, fmt.Errorf("%w: invalid plugin id %q", domain.ErrInvalidInput, m.ID)
	}
	if m.WASMConfig != nil {
		if m.WASMConfig.MaxMemoryMB < 0 {
			return nil, fmt.Errorf("%w: wasm.max_memory_mb must be >= 0", domain.ErrInvalidInput)
		}
		if m.WASMConfig.ExecTimeout < 0 {
			return nil, fmt.Errorf("%w: wasm.exec_timeout must be >= 0", domain.ErrInvalidInput)
		}
	}
	return &m, nil
}

// resolveEntry returns the candidate source for a manifest found in dir.
// Builtin entries are returned as-is; file entries must exist.
func resolveEntry(m *domain.PluginManifest, dir string) (string, error) {
	entry := m.Entry
	if strings.HasPrefix(entry, BuiltinPrefix) {
		if strings.TrimSpace(strings.TrimPrefix(entry, BuiltinPrefix)) == "" {
			return "", fmt.Errorf("builtin entry missing name")
		}
		return entry, nil
	}
	if entry == "" {
		entry = DefaultEntry
	}
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(dir, entry)
	}
	info, err := os.Stat(entry)
	if err != nil {
		return "", fmt.Errorf("plugin entry not found: %s", entry)
	}
	if info.IsDir() {
		return "", fmt.Errorf("plugin entry is a directory: %s", entry)
	}
	return entry, nil
}
