package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Format selects the on-disk syntax of a config file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFor picks the codec from the file extension. JSON-family files
// (.json, .json5, .jsonc) are parsed as JWCC; everything else is YAML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5", ".jsonc":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Parse decodes raw text into a normalized tree. Blank input parses to nil.
func Parse(format Format, raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	switch format {
	case FormatJSON:
		std, err := hujson.Standardize(raw)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(std, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		var v any
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return Normalize(v)
	}
}

// ParseRequest decodes raw text sent by a client. Text that starts like a JSON
// document is always read as JWCC so comments and trailing commas work with
// any file format; anything else goes through the file's own codec.
func ParseRequest(format Format, raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		format = FormatJSON
	}
	return Parse(format, []byte(raw))
}

// Marshal encodes a tree in the given format. Object keys are written in
// lexical order so equal trees always produce the same bytes.
func Marshal(format Format, tree map[string]any) ([]byte, error) {
	if tree == nil {
		tree = map[string]any{}
	}
	switch format {
	case FormatJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(tree); err != nil {
			return nil, fmt.Errorf("marshal json: %w", err)
		}
		return buf.Bytes(), nil
	default:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return nil, fmt.Errorf("marshal yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("marshal yaml: %w", err)
		}
		return buf.Bytes(), nil
	}
}
