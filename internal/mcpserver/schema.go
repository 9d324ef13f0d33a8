package mcpserver

import (
	"encoding/json"
	"fmt"

	"ploinky/internal/errs"
)

// Schema is a compiled JSON-schema-subset validator per the field table
// in §4.J. It replaces the teacher's runtime-reflection "Zod-style"
// builder with explicit, declarative data: no reflection, no codegen.
type Schema struct {
	Type       string             `json:"type"`
	Enum       []any              `json:"enum,omitempty"`
	MinLength  *int               `json:"minLength,omitempty"`
	MaxLength  *int               `json:"maxLength,omitempty"`
	Min        *float64           `json:"min,omitempty"`
	Max        *float64           `json:"max,omitempty"`
	MinItems   *int               `json:"minItems,omitempty"`
	MaxItems   *int               `json:"maxItems,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	// AdditionalProperties: nil means "allowed" (the permissive default);
	// false means "reject any property not in Properties".
	AdditionalProperties *bool   `json:"additionalProperties,omitempty"`
	Nullable             bool    `json:"nullable,omitempty"`
	Optional             bool    `json:"optional,omitempty"`
	Description          string  `json:"description,omitempty"`
}

// CompileSchema parses the declarative JSON-schema-subset document.
func CompileSchema(raw json.RawMessage) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	switch s.Type {
	case "string", "number", "boolean", "array", "object":
	default:
		return nil, fmt.Errorf("unsupported or missing schema type: %q", s.Type)
	}
	return &s, nil
}

// Validate checks value against the schema, returning a Validation error
// naming the offending field on the first failure. For object schemas,
// value must be a map[string]any (the decoded tools/call arguments).
func (s *Schema) Validate(value any) error {
	return s.validateAt("", value)
}

func (s *Schema) validateAt(path string, value any) error {
	if value == nil {
		if s.Nullable || s.Optional {
			return nil
		}
		return errs.New(errs.Validation, fieldName(path)+" must not be null")
	}

	switch s.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return errs.New(errs.Validation, fieldName(path)+" must be a string")
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			return errs.New(errs.Validation, fmt.Sprintf("%s must be at least %d characters", fieldName(path), *s.MinLength))
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			return errs.New(errs.Validation, fmt.Sprintf("%s must be at most %d characters", fieldName(path), *s.MaxLength))
		}
		return s.validateEnum(path, str)
	case "number":
		num, ok := asFloat(value)
		if !ok {
			return errs.New(errs.Validation, fieldName(path)+" must be a number")
		}
		if s.Min != nil && num < *s.Min {
			return errs.New(errs.Validation, fmt.Sprintf("%s must be >= %v", fieldName(path), *s.Min))
		}
		if s.Max != nil && num > *s.Max {
			return errs.New(errs.Validation, fmt.Sprintf("%s must be <= %v", fieldName(path), *s.Max))
		}
		return s.validateEnum(path, num)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return errs.New(errs.Validation, fieldName(path)+" must be a boolean")
		}
		return nil
	case "array":
		list, ok := value.([]any)
		if !ok {
			return errs.New(errs.Validation, fieldName(path)+" must be an array")
		}
		if s.MinItems != nil && len(list) < *s.MinItems {
			return errs.New(errs.Validation, fmt.Sprintf("%s must have at least %d items", fieldName(path), *s.MinItems))
		}
		if s.MaxItems != nil && len(list) > *s.MaxItems {
			return errs.New(errs.Validation, fmt.Sprintf("%s must have at most %d items", fieldName(path), *s.MaxItems))
		}
		if s.Items != nil {
			for i, el := range list {
				if err := s.Items.validateAt(fmt.Sprintf("%s[%d]", path, i), el); err != nil {
					return err
				}
			}
		}
		return nil
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return errs.New(errs.Validation, fieldName(path)+" must be an object")
		}
		for name, propSchema := range s.Properties {
			v, present := obj[name]
			childPath := path + "." + name
			if !present {
				if propSchema.Optional || propSchema.Nullable {
					continue
				}
				return errs.New(errs.Validation, fieldName(childPath)+" is required")
			}
			if err := propSchema.validateAt(childPath, v); err != nil {
				return err
			}
		}
		if s.AdditionalProperties != nil && !*s.AdditionalProperties {
			for name := range obj {
				if _, known := s.Properties[name]; !known {
					return errs.New(errs.Validation, "unexpected property "+fieldName(path+"."+name))
				}
			}
		}
		return nil
	default:
		return errs.New(errs.Validation, "unsupported schema type "+s.Type)
	}
}

func (s *Schema) validateEnum(path string, value any) error {
	if len(s.Enum) == 0 {
		return nil
	}
	for _, allowed := range s.Enum {
		if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
			return nil
		}
	}
	return errs.New(errs.Validation, fmt.Sprintf("%s must be one of %v", fieldName(path), s.Enum))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func fieldName(path string) string {
	if path == "" {
		return "argument"
	}
	return path
}
