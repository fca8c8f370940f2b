package plugin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"relaybot/internal/domain"
)

// ConfigValidator checks a plugin's config object. It returns the normalized
// value to hand the plugin, or the issues that make the value invalid.
type ConfigValidator interface {
	Validate(value map[string]any) (map[string]any, []domain.Issue)
}

// ValidatorFunc adapts a plain function to ConfigValidator.
type ValidatorFunc func(value map[string]any) (map[string]any, []domain.Issue)

// Validate implements ConfigValidator.
func (f ValidatorFunc) Validate(value map[string]any) (map[string]any, []domain.Issue) {
	return f(value)
}

// ValidateFunc is the boolean validator shape: ok, normalized value, and
// free-form error strings.
type ValidateFunc func(value map[string]any) (ok bool, normalized map[string]any, errs []string)

// Validate implements ConfigValidator.
func (f ValidateFunc) Validate(value map[string]any) (map[string]any, []domain.Issue) {
	ok, normalized, errs := f(value)
	if ok {
		return normalized, nil
	}
	issues := make([]domain.Issue, 0, len(errs))
	for _, e := range errs {
		issues = append(issues, domain.Issue{Message: e})
	}
	if len(issues) == 0 {
		issues = append(issues, domain.Issue{Message: "invalid"})
	}
	return nil, issues
}

// SchemaIssue is one problem reported by a SafeParseFunc.
type SchemaIssue struct {
	Path    []string
	Message string
}

// SafeParseResult is the success/data/issues validator shape.
type SafeParseResult struct {
	Success bool
	Data    map[string]any
	Issues  []SchemaIssue
}

// SafeParseFunc validates without failing: the outcome is in the result.
type SafeParseFunc func(value map[string]any) SafeParseResult

// Validate implements ConfigValidator.
func (f SafeParseFunc) Validate(value map[string]any) (map[string]any, []domain.Issue) {
	res := f(value)
	if res.Success {
		return res.Data, nil
	}
	issues := make([]domain.Issue, 0, len(res.Issues))
	for _, i := range res.Issues {
		issues = append(issues, domain.Issue{Path: strings.Join(i.Path, "."), Message: i.Message})
	}
	if len(issues) == 0 {
		issues = append(issues, domain.Issue{Message: "invalid"})
	}
	return nil, issues
}

// ParseFunc is the parse-or-error validator shape.
type ParseFunc func(value map[string]any) (map[string]any, error)

// Validate implements ConfigValidator.
func (f ParseFunc) Validate(value map[string]any) (map[string]any, []domain.Issue) {
	parsed, err := f(value)
	if err != nil {
		return nil, []domain.Issue{{Message: err.Error()}}
	}
	return parsed, nil
}

// JSONSchemaValidator validates plugin config against a JSON Schema document.
type JSONSchemaValidator struct {
	schema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles doc.
func NewJSONSchemaValidator(doc map[string]any) (*JSONSchemaValidator, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	schema, err := jsonschema.NewCompiler().Compile(data)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &JSONSchemaValidator{schema: schema}, nil
}

// Validate implements ConfigValidator. A missing config validates as {}.
func (v *JSONSchemaValidator) Validate(value map[string]any) (map[string]any, []domain.Issue) {
	if value == nil {
		value = map[string]any{}
	}
	result := v.schema.Validate(value)
	if result.IsValid() {
		return value, nil
	}
	seen := make(map[string]bool)
	var issues []domain.Issue
	collectSchemaIssues(result, seen, &issues)
	if len(issues) == 0 {
		issues = append(issues, domain.Issue{Message: "does not match schema"})
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return nil, issues
}

func collectSchemaIssues(res *jsonschema.EvaluationResult, seen map[string]bool, out *[]domain.Issue) {
	if res == nil {
		return
	}
	path := pointerPath(res.InstanceLocation)
	keys := make([]string, 0, len(res.Errors))
	for k := range res.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		issue := domain.Issue{Path: path, Message: res.Errors[k].Error()}
		if key := issue.String(); !seen[key] {
			seen[key] = true
			*out = append(*out, issue)
		}
	}
	for _, d := range res.Details {
		collectSchemaIssues(d, seen, out)
	}
}

// pointerPath turns a JSON pointer into a dotted path.
func pointerPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "#")
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

// ConfigSchema is what a plugin declares about its config: an optional
// validator, the JSON Schema used for the aggregated host schema, and UI hints.
// When Validator is nil and JSONSchema is set, the loader validates against
// JSONSchema.
type ConfigSchema struct {
	Validator  ConfigValidator
	JSONSchema map[string]any
	UIHints    map[string]domain.ConfigUIHint
}

// validator returns the effective validator, compiling JSONSchema on demand.
func (s *ConfigSchema) validator() (ConfigValidator, error) {
	if s == nil {
		return nil, nil
	}
	if s.Validator != nil {
		return s.Validator, nil
	}
	if len(s.JSONSchema) == 0 {
		return nil, nil
	}
	return NewJSONSchemaValidator(s.JSONSchema)
}
