package transform

import "fmt"

// Options is the free-form options table of a task. Values come from YAML,
// TOML or code, so numbers may arrive as int, int64, uint64 or float64.
type Options map[string]any

// String returns the string option key, or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return def
}

// Int returns the integer option key, or def.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Bool returns the boolean option key, or def.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

// Strings returns the list option key.
func (o Options) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// Map returns the nested table key, or nil.
func (o Options) Map(key string) Options {
	switch v := o[key].(type) {
	case map[string]any:
		return Options(v)
	case Options:
		return v
	}
	return nil
}
