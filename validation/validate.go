package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	secure "github.com/fanzplatform/fanz-secure"
)

// Result is the outcome of validating one input.
type Result struct {
	// Input holds the declared fields with numbers normalized (int64 for
	// integers, float64 for numbers) and strings sanitized
	Input map[string]any

	// Sanitized lists the paths whose value sanitization changed
	Sanitized []string
}

// Validate checks input against the schema called name and returns the
// normalized, sanitized input. Every failing field is reported in one
// *secure.Error with Kind validation.
func (reg *Registry) Validate(name string, input map[string]any) (map[string]any, error) {
	res, err := reg.ValidateResult(name, input, false)
	if err != nil {
		return nil, err
	}
	return res.Input, nil
}

// ValidateResult is Validate with sanitization details. With coerce set,
// string values are accepted for integer, number and boolean fields, as
// they arrive from query strings.
func (reg *Registry) ValidateResult(name string, input map[string]any, coerce bool) (Result, error) {
	s, ok := reg.Lookup(name)
	if !ok {
		return Result{}, secure.NewInternalError(fmt.Errorf("validation schema %q is not registered", name))
	}
	v := &validator{reg: reg, coerce: coerce}
	out := v.object("", s.Fields, s.AllowUnknown, input)
	if len(v.errs) > 0 {
		sort.SliceStable(v.errs, func(i, j int) bool { return v.errs[i].Field < v.errs[j].Field })
		return Result{}, secure.NewValidationError(v.errs)
	}
	return Result{Input: out, Sanitized: v.sanitized}, nil
}

type validator struct {
	reg       *Registry
	coerce    bool
	errs      []secure.FieldError
	sanitized []string
}

func (v *validator) fail(path, format string, args ...any) {
	v.errs = append(v.errs, secure.FieldError{Field: path, Message: fmt.Sprintf(format, args...)})
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func (v *validator) object(path string, fields map[string]*Field, allowUnknown bool, input map[string]any) map[string]any {
	out := make(map[string]any, len(fields))

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := fields[name]
		raw, present := input[name]
		if !present || raw == nil {
			if f.Required {
				v.fail(join(path, name), "is required")
			}
			continue
		}
		if value, ok := v.value(join(path, name), f, raw); ok {
			out[name] = value
		}
	}

	for name, raw := range input {
		if _, declared := fields[name]; declared {
			continue
		}
		if !allowUnknown {
			v.fail(join(path, name), "is not allowed")
			continue
		}
		out[name] = raw
	}
	return out
}

func (v *validator) value(path string, f *Field, raw any) (any, bool) {
	switch f.Type {
	case TypeString:
		return v.str(path, f, raw)
	case TypeInteger, TypeNumber:
		return v.number(path, f, raw)
	case TypeBoolean:
		return v.boolean(path, raw)
	case TypeObject:
		m, ok := raw.(map[string]any)
		if !ok {
			v.fail(path, "must be an object")
			return nil, false
		}
		return v.object(path, f.Fields, f.AllowUnknown, m), true
	case TypeArray:
		return v.array(path, f, raw)
	}
	v.fail(path, "has an unsupported type")
	return nil, false
}

func (v *validator) str(path string, f *Field, raw any) (any, bool) {
	s, ok := raw.(string)
	if !ok {
		v.fail(path, "must be a string")
		return nil, false
	}
	n := utf8.RuneCountInString(s)
	failed := false
	if n < f.MinLength {
		v.fail(path, "must be at least %d characters", f.MinLength)
		failed = true
	}
	if f.MaxLength > 0 && n > f.MaxLength {
		v.fail(path, "must be at most %d characters", f.MaxLength)
		failed = true
	}
	if failed {
		return nil, false
	}
	if f.pattern != nil && !f.pattern.MatchString(s) {
		v.fail(path, "has an invalid format")
		return nil, false
	}
	if f.Format != "" && !validFormat(f.Format, s) {
		v.fail(path, "must be a valid %s", f.Format)
		return nil, false
	}
	if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
		v.fail(path, "must be one of %s", strings.Join(f.Enum, ", "))
		return nil, false
	}

	clean := v.reg.sanitize(f.Sanitize, s)
	if clean != s {
		if f.MaxLength > 0 && utf8.RuneCountInString(clean) > f.MaxLength {
			v.fail(path, "must be at most %d characters", f.MaxLength)
			return nil, false
		}
		v.sanitized = append(v.sanitized, path)
	}
	return clean, true
}

func (v *validator) number(path string, f *Field, raw any) (any, bool) {
	var text string
	switch n := raw.(type) {
	case json.Number:
		text = n.String()
	case string:
		if !v.coerce {
			v.fail(path, "must be a number")
			return nil, false
		}
		text = n
	case float64:
		text = strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		text = strconv.Itoa(n)
	case int64:
		text = strconv.FormatInt(n, 10)
	default:
		v.fail(path, "must be a number")
		return nil, false
	}

	value, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(value, 0) || math.IsNaN(value) {
		v.fail(path, "must be a number")
		return nil, false
	}

	if f.Min != nil && value < *f.Min {
		v.fail(path, "must be at least %s", strconv.FormatFloat(*f.Min, 'f', -1, 64))
		return nil, false
	}
	if f.Max != nil && value > *f.Max {
		v.fail(path, "must be at most %s", strconv.FormatFloat(*f.Max, 'f', -1, 64))
		return nil, false
	}

	if f.Type == TypeInteger {
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			v.fail(path, "must be an integer")
			return nil, false
		}
		return i, true
	}
	return value, true
}

func (v *validator) boolean(path string, raw any) (any, bool) {
	switch b := raw.(type) {
	case bool:
		return b, true
	case string:
		if v.coerce {
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, true
			}
		}
	}
	v.fail(path, "must be a boolean")
	return nil, false
}

func (v *validator) array(path string, f *Field, raw any) (any, bool) {
	var items []any
	switch a := raw.(type) {
	case []any:
		items = a
	case []string:
		for _, s := range a {
			items = append(items, s)
		}
	default:
		v.fail(path, "must be an array")
		return nil, false
	}
	if len(items) < f.MinLength {
		v.fail(path, "must have at least %d items", f.MinLength)
		return nil, false
	}
	if f.MaxLength > 0 && len(items) > f.MaxLength {
		v.fail(path, "must have at most %d items", f.MaxLength)
		return nil, false
	}

	out := make([]any, 0, len(items))
	ok := true
	for i, item := range items {
		itemPath := fmt.Sprintf("%s[%d]", path, i)
		if item == nil {
			v.fail(itemPath, "must not be null")
			ok = false
			continue
		}
		value, valid := v.value(itemPath, f.Items, item)
		if !valid {
			ok = false
			continue
		}
		out = append(out, value)
	}
	return out, ok
}

func validFormat(format Format, s string) bool {
	switch format {
	case FormatEmail:
		addr, err := mail.ParseAddress(s)
		return err == nil && addr.Address == s && addr.Name == ""
	case FormatUUID:
		_, err := uuid.Parse(s)
		return err == nil && len(s) == 36
	case FormatURL:
		u, err := url.Parse(s)
		return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
	}
	return false
}
