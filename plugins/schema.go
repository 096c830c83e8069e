package plugins

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BaSui01/commandflow/types"
)

// =============================================================================
// 📐 参数 Schema
// =============================================================================

// ParamType 参数类型
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Known reports whether t is a supported parameter type.
func (t ParamType) Known() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// Param describes one command parameter.
type Param struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required,omitempty" yaml:"required"`
	Enum        []any     `json:"enum,omitempty" yaml:"enum"`
	Default     any       `json:"default,omitempty" yaml:"default"`
	Description string    `json:"description,omitempty" yaml:"description"`
}

// Schema is the ordered parameter list of a command.
type Schema []Param

// Check validates the schema definition itself.
func (s Schema) Check() error {
	seen := make(map[string]struct{}, len(s))
	for _, p := range s {
		if p.Name == "" {
			return fmt.Errorf("parameter name is required")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if !p.Type.Known() {
			return fmt.Errorf("parameter %q has unknown type %q", p.Name, p.Type)
		}
		if p.Default != nil {
			if _, err := coerce(p.Type, p.Default); err != nil {
				return fmt.Errorf("parameter %q default: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Validate checks input against the schema and returns a new map with defaults
// applied and values normalized: integers become int64 and numbers float64.
// Keys not declared by the schema are passed through unchanged.
func (s Schema) Validate(input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input)+len(s))
	for k, v := range input {
		out[k] = v
	}

	for _, p := range s {
		raw, present := out[p.Name]
		if !present || raw == nil {
			if p.Default != nil {
				v, _ := coerce(p.Type, p.Default)
				out[p.Name] = v
				continue
			}
			if p.Required {
				return nil, types.NewValidationError(p.Name, fmt.Sprintf("parameter %q is required", p.Name))
			}
			delete(out, p.Name)
			continue
		}

		v, err := coerce(p.Type, raw)
		if err != nil {
			return nil, types.NewValidationError(p.Name, fmt.Sprintf("parameter %q: %v", p.Name, err))
		}
		if len(p.Enum) > 0 && !inEnum(p.Type, p.Enum, v) {
			return nil, types.NewValidationError(p.Name,
				fmt.Sprintf("parameter %q must be one of %s", p.Name, formatEnum(p.Enum)))
		}
		out[p.Name] = v
	}
	return out, nil
}

// coerce 将输入转换为目标类型；CLI 与交互模式传入的字符串按需解析
func coerce(t ParamType, v any) (any, error) {
	switch t {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil

	case TypeNumber:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		return f, nil

	case TypeInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		}
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		// float64(math.MaxInt64) 等于 2^63，已超出 int64
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, fmt.Errorf("integer %v out of range", v)
		}
		return int64(f), nil

	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", v)

	case TypeObject:
		switch o := v.(type) {
		case map[string]any:
			return o, nil
		case string:
			var m map[string]any
			if err := json.Unmarshal([]byte(o), &m); err == nil {
				return m, nil
			}
		}
		return nil, fmt.Errorf("expected object, got %T", v)

	case TypeArray:
		switch a := v.(type) {
		case []any:
			return a, nil
		case []string:
			out := make([]any, len(a))
			for i, s := range a {
				out[i] = s
			}
			return out, nil
		case string:
			var arr []any
			if err := json.Unmarshal([]byte(a), &arr); err == nil {
				return arr, nil
			}
		}
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	return nil, fmt.Errorf("unknown type %q", t)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func inEnum(t ParamType, enum []any, v any) bool {
	for _, e := range enum {
		ev, err := coerce(t, e)
		if err != nil {
			continue
		}
		if fmt.Sprint(ev) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func formatEnum(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprint(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
