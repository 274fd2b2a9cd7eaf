package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/tidwall/gjson"
)

// ValidateArgs checks args against the tool's declared parameters: args must
// be a JSON object, every required key present, declared keys of the right
// JSON type and inside their enum when one is given.
func ValidateArgs(spec domain.ToolSpec, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(args) {
		return fmt.Errorf("%s: args are not valid JSON: %w", spec.Name, domain.ErrValidation)
	}
	parsed := gjson.ParseBytes(args)
	if !parsed.IsObject() {
		return fmt.Errorf("%s: args must be an object: %w", spec.Name, domain.ErrValidation)
	}

	for _, key := range spec.Required {
		if !parsed.Get(gjson.Escape(key)).Exists() {
			return fmt.Errorf("%s: missing required argument %q: %w", spec.Name, key, domain.ErrValidation)
		}
	}

	names := make([]string, 0, len(spec.Parameters))
	for name := range spec.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := parsed.Get(gjson.Escape(name))
		if !value.Exists() {
			continue
		}
		schema, ok := spec.Parameters[name].(map[string]any)
		if !ok {
			continue
		}
		if want, ok := schema["type"].(string); ok && !matchesType(value, want) {
			return fmt.Errorf("%s: argument %q must be %s: %w", spec.Name, name, want, domain.ErrValidation)
		}
		if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 && !inEnum(value, enum) {
			return fmt.Errorf("%s: argument %q is not an allowed value: %w", spec.Name, name, domain.ErrValidation)
		}
	}
	return nil
}

func matchesType(v gjson.Result, want string) bool {
	switch want {
	case "string":
		return v.Type == gjson.String
	case "number":
		return v.Type == gjson.Number
	case "integer":
		return v.Type == gjson.Number && v.Num == float64(int64(v.Num))
	case "boolean":
		return v.IsBool()
	case "array":
		return v.IsArray()
	case "object":
		return v.IsObject()
	case "null":
		return v.Type == gjson.Null
	}
	return true
}

func inEnum(v gjson.Result, enum []any) bool {
	for _, allowed := range enum {
		switch a := allowed.(type) {
		case string:
			if v.Type == gjson.String && v.Str == a {
				return true
			}
		case float64:
			if v.Type == gjson.Number && v.Num == a {
				return true
			}
		case bool:
			if v.IsBool() && v.Bool() == a {
				return true
			}
		}
	}
	return false
}
