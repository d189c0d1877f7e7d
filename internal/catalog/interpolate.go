package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches "${a.b.c}" anywhere inside a string, used for
// both the whole-string and embedded substitution forms.
var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate walks v (a scalar, map, or slice built from decoded JSON) and
// substitutes every "${path}" occurrence against ctx. A string that is
// exactly one placeholder preserves the resolved leaf's type; a string
// containing embedded placeholders substitutes by string conversion, with
// unresolved paths yielding an empty string.
func Interpolate(v any, ctx map[string]any) any {
	switch val := v.(type) {
	case string:
		return interpolateString(val, ctx)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = Interpolate(child, ctx)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = Interpolate(child, ctx)
		}
		return out
	default:
		return v
	}
}

func interpolateString(s string, ctx map[string]any) any {
	matches := placeholderPattern.FindStringSubmatch(s)
	if matches != nil && matches[0] == s {
		value, ok := resolvePath(ctx, matches[1])
		if !ok {
			return nil
		}
		return value
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := placeholderPattern.FindStringSubmatch(token)[1]
		value, ok := resolvePath(ctx, path)
		if !ok {
			return ""
		}
		return stringify(value)
	})
}

// resolvePath traverses ctx following the dot-separated segments of path.
func resolvePath(ctx map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = ctx
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		value, present := m[segment]
		if !present {
			return nil, false
		}
		current = value
	}
	return current, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// InterpolateStringMap is a convenience for interpolating map[string]string
// fields (such as ToolVersions) that must remain strings after substitution.
func InterpolateStringMap(m map[string]string, ctx map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		resolved := interpolateString(v, ctx)
		out[k] = stringify(resolved)
	}
	return out
}
