package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"relaybot/internal/domain"
)

// SchemaValidator checks trees against a compiled draft-07 schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// CompileSchema compiles a schema document.
func CompileSchema(doc map[string]any) (*SchemaValidator, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("config.schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("config.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: compiled}, nil
}

// Validate returns one issue per failing leaf keyword, sorted by path.
func (v *SchemaValidator) Validate(tree any) []domain.Issue {
	err := v.schema.Validate(tree)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []domain.Issue{{Message: err.Error()}}
	}

	var issues []domain.Issue
	seen := map[string]bool{}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issue := domain.Issue{Path: pointerToPath(e.InstanceLocation), Message: e.Message}
			if key := issue.String(); !seen[key] {
				seen[key] = true
				issues = append(issues, issue)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues
}

// pointerToPath turns a JSON pointer ("/a/b/0") into a dotted path ("a.b.0").
func pointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

// TreeValidator checks a whole config tree. It returns the normalized tree to
// persist and the issues found; the tree is nil when issues is non-empty.
type TreeValidator func(tree any) (map[string]any, []domain.Issue)

var (
	coreOnce      sync.Once
	coreValidator *SchemaValidator
	coreErr       error
)

// ValidateTree is the default TreeValidator: the core schema first, then the
// typed semantic checks of Validate. It does not add defaults, so a tree that
// passes is returned unchanged apart from normalization.
func ValidateTree(tree any) (map[string]any, []domain.Issue) {
	return validateWith(tree, nil)
}

// NewTreeValidator validates against doc (usually BuildSchema's document)
// before running the semantic checks.
func NewTreeValidator(doc map[string]any) (TreeValidator, error) {
	sv, err := CompileSchema(doc)
	if err != nil {
		return nil, err
	}
	return func(tree any) (map[string]any, []domain.Issue) {
		return validateWith(tree, sv)
	}, nil
}

func validateWith(tree any, sv *SchemaValidator) (map[string]any, []domain.Issue) {
	obj, err := NormalizeObject(tree)
	if err != nil {
		return nil, []domain.Issue{{Message: err.Error()}}
	}

	if sv == nil {
		coreOnce.Do(func() {
			coreValidator, coreErr = CompileSchema(CoreSchema())
		})
		if coreErr != nil {
			return nil, []domain.Issue{{Message: coreErr.Error()}}
		}
		sv = coreValidator
	}
	if issues := sv.Validate(obj); len(issues) > 0 {
		return nil, issues
	}

	cfg, err := Decode(obj)
	if err != nil {
		return nil, []domain.Issue{{Message: err.Error()}}
	}
	if err := Validate(cfg); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, ve.Issues
		}
		return nil, []domain.Issue{{Message: err.Error()}}
	}
	return obj, nil
}
