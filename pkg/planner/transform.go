package planner

import (
	"fmt"
	"strconv"
	"strings"
)

// Transform is a value conversion applied to a mapped argument
type Transform string

const (
	TransformNone      Transform = ""
	TransformList      Transform = "list"
	TransformLowercase Transform = "lowercase"
	TransformUppercase Transform = "uppercase"
	TransformString    Transform = "string"
	TransformInt       Transform = "int"
	TransformFloat     Transform = "float"
)

var transforms = map[Transform]func(any) (any, error){
	TransformNone:      func(v any) (any, error) { return v, nil },
	TransformList:      toList,
	TransformLowercase: func(v any) (any, error) { return strings.ToLower(stringify(v)), nil },
	TransformUppercase: func(v any) (any, error) { return strings.ToUpper(stringify(v)), nil },
	TransformString:    func(v any) (any, error) { return stringify(v), nil },
	TransformInt:       toInt,
	TransformFloat:     toFloat,
}

// Valid reports whether t is a known transform
func (t Transform) Valid() bool {
	_, ok := transforms[t]
	return ok
}

// Apply converts v
func (t Transform) Apply(v any) (any, error) {
	fn, ok := transforms[t]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", t)
	}
	return fn(v)
}

func toList(v any) (any, error) {
	switch v.(type) {
	case []any, []string, []int, []float64:
		return v, nil
	default:
		return []any{v}, nil
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func toInt(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to int", n)
		}
		return i, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to int", v)
	}
}

func toFloat(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to float", n)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to float", v)
	}
}
