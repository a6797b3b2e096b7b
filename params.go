package stateflow

import (
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"
)

// ParamType constrains the value accepted under a parameter key.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInt     ParamType = "int"
	ParamBool    ParamType = "bool"
	ParamDecimal ParamType = "decimal"
	ParamAny     ParamType = "any"
)

// ParameterSpec declares one named argument an action consumes.
type ParameterSpec struct {
	Key      string
	Type     ParamType
	Required bool
}

// Args carries traversal arguments keyed by parameter name. Typed accessors
// re-check conformance at read time so actions never see a silently coerced
// value.
type Args map[string]any

func (a Args) Clone() Args {
	if a == nil {
		return nil
	}
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Merge returns a copy of a with every key from overlay written over it.
func (a Args) Merge(overlay Args) Args {
	if len(overlay) == 0 {
		return a.Clone()
	}
	out := make(Args, len(a)+len(overlay))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Value returns the raw value under key or a missing-parameter error.
func (a Args) Value(key string) (any, error) {
	v, ok := a[key]
	if !ok {
		return nil, missingParameter(key)
	}
	return v, nil
}

func (a Args) String(key string) (string, error) {
	v, err := a.Value(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(key, ParamString, v)
	}
	return s, nil
}

func (a Args) Int(key string) (int64, error) {
	v, err := a.Value(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return 0, wrongType(key, ParamInt, v)
}

func (a Args) Bool(key string) (bool, error) {
	v, err := a.Value(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, wrongType(key, ParamBool, v)
	}
	return b, nil
}

func (a Args) Decimal(key string) (decimal.Decimal, error) {
	v, err := a.Value(key)
	if err != nil {
		return decimal.Zero, err
	}
	d, ok := v.(decimal.Decimal)
	if !ok {
		return decimal.Zero, wrongType(key, ParamDecimal, v)
	}
	return d, nil
}

// ValidateParams checks args against specs: required keys must be present and
// every supplied value must conform to its declared type. All violations are
// reported, joined into one error.
func ValidateParams(specs []ParameterSpec, args Args) error {
	var errs []error
	for _, spec := range specs {
		key := strings.TrimSpace(spec.Key)
		if key == "" {
			continue
		}
		v, ok := args[key]
		if !ok {
			if spec.Required {
				errs = append(errs, missingParameter(key))
			}
			continue
		}
		if !conforms(spec.Type, v) {
			errs = append(errs, wrongType(key, spec.Type, v))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return apperrors.Join(errs...)
}

func conforms(t ParamType, v any) bool {
	switch t {
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamInt:
		switch v.(type) {
		case int, int32, int64:
			return true
		}
		return false
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamDecimal:
		_, ok := v.(decimal.Decimal)
		return ok
	case ParamAny, "":
		return v != nil
	}
	return false
}

func missingParameter(key string) error {
	return CloneError(ErrMissingParameter, fmt.Sprintf("required parameter %q missing", key), nil, map[string]any{
		"key": key,
	})
}

func wrongType(key string, want ParamType, got any) error {
	return CloneError(ErrParameterType, fmt.Sprintf("parameter %q is not %s", key, want), nil, map[string]any{
		"key":  key,
		"want": string(want),
		"got":  fmt.Sprintf("%T", got),
	})
}
