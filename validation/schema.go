// Package validation checks request input against declarative schemas and
// sanitizes string fields meant for HTML rendering.
//
// Schemas are allowlists: undeclared fields are rejected unless the schema
// sets AllowUnknown. Regular expressions are screened for nested or
// alternated quantifiers when a schema is registered, so an unsafe pattern
// fails at startup and never at request time.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"regexp/syntax"
	"sort"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// FieldType is the JSON type a field must have.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Format is a well-known string format.
type Format string

const (
	FormatEmail Format = "email"
	FormatUUID  Format = "uuid"
	FormatURL   Format = "url"
)

// SanitizeMode selects how a string field is sanitized after validation.
type SanitizeMode string

const (
	SanitizeNone SanitizeMode = ""

	// SanitizeStrip removes all markup
	SanitizeStrip SanitizeMode = "strip"

	// SanitizeUGC keeps a safe subset of markup for user generated content
	SanitizeUGC SanitizeMode = "ugc"
)

// Limits on patterns accepted at registration
const (
	MaxPatternLength = 256
	MaxPatternRepeat = 100
)

// Field describes one input field.
type Field struct {
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`

	// MinLength and MaxLength bound strings (in characters) and arrays (in items).
	// MaxLength applies to the sanitized value as well. Zero MaxLength means unbounded.
	MinLength int `yaml:"minLength"`
	MaxLength int `yaml:"maxLength"`

	// Min and Max bound numbers
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`

	Pattern  string       `yaml:"pattern"`
	Format   Format       `yaml:"format"`
	Enum     []string     `yaml:"enum"`
	Sanitize SanitizeMode `yaml:"sanitize"`

	// Items describes array elements
	Items *Field `yaml:"items"`

	// Fields describes object members
	Fields map[string]*Field `yaml:"fields"`

	// AllowUnknown passes undeclared object members through unchanged
	AllowUnknown bool `yaml:"allowUnknown"`

	pattern *regexp.Regexp
}

// Schema is the input contract of one route.
type Schema struct {
	Name         string            `yaml:"name"`
	Fields       map[string]*Field `yaml:"fields"`
	AllowUnknown bool              `yaml:"allowUnknown"`
}

// Float returns a pointer to f, for Field.Min and Field.Max literals.
func Float(f float64) *float64 {
	return &f
}

// ErrUnsafePattern is returned by Register for patterns prone to
// catastrophic backtracking.
var ErrUnsafePattern = errors.New("unsafe regular expression")

// Registry holds compiled schemas. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema

	strict *bluemonday.Policy
	ugc    *bluemonday.Policy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*Schema),
		strict:  bluemonday.StrictPolicy(),
		ugc:     bluemonday.UGCPolicy(),
	}
}

// Register compiles s and makes it available by name. The schema is
// copied; later changes to s have no effect.
func (reg *Registry) Register(s Schema) error {
	if s.Name == "" {
		return errors.New("schema name is required")
	}
	fields, err := compileFields(s.Name, s.Fields)
	if err != nil {
		return err
	}
	s.Fields = fields

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.schemas[s.Name]; exists {
		return fmt.Errorf("schema %q is already registered", s.Name)
	}
	reg.schemas[s.Name] = &s
	return nil
}

// MustRegister is Register for schemas defined in code; it panics on error.
func (reg *Registry) MustRegister(s Schema) {
	if err := reg.Register(s); err != nil {
		panic(err)
	}
}

// Lookup returns the registered schema called name.
func (reg *Registry) Lookup(name string) (*Schema, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	s, ok := reg.schemas[name]
	return s, ok
}

// Names returns the names of all registered schemas, sorted.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.schemas))
	for name := range reg.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func compileFields(path string, fields map[string]*Field) (map[string]*Field, error) {
	out := make(map[string]*Field, len(fields))
	for name, f := range fields {
		if f == nil {
			return nil, fmt.Errorf("%s.%s: field has no definition", path, name)
		}
		c, err := compileField(path+"."+name, f)
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}

func compileField(path string, f *Field) (*Field, error) {
	c := *f
	switch c.Type {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray:
	default:
		return nil, fmt.Errorf("%s: unknown field type %q", path, c.Type)
	}
	switch c.Format {
	case "", FormatEmail, FormatUUID, FormatURL:
	default:
		return nil, fmt.Errorf("%s: unknown format %q", path, c.Format)
	}
	switch c.Sanitize {
	case SanitizeNone, SanitizeStrip, SanitizeUGC:
	default:
		return nil, fmt.Errorf("%s: unknown sanitize mode %q", path, c.Sanitize)
	}
	if c.MinLength < 0 || c.MaxLength < 0 || (c.MaxLength > 0 && c.MinLength > c.MaxLength) {
		return nil, fmt.Errorf("%s: invalid length bounds", path)
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return nil, fmt.Errorf("%s: min is greater than max", path)
	}

	if c.Pattern != "" {
		re, err := CompilePattern(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		c.pattern = re
	}

	if c.Items != nil {
		items, err := compileField(path+"[]", c.Items)
		if err != nil {
			return nil, err
		}
		c.Items = items
	}
	if c.Type == TypeArray && c.Items == nil {
		return nil, fmt.Errorf("%s: array field requires items", path)
	}
	if len(c.Fields) > 0 {
		fields, err := compileFields(path, c.Fields)
		if err != nil {
			return nil, err
		}
		c.Fields = fields
	}
	return &c, nil
}

// CompilePattern checks pattern for backtracking hazards and compiles it.
// The pattern is anchored implicitly: it must match the whole value.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > MaxPatternLength {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrUnsafePattern, MaxPatternLength)
	}
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	if err := checkPattern(re, false); err != nil {
		return nil, err
	}
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

// checkPattern walks the parse tree. inRepeat is set below a quantifier
// that can match more than once.
func checkPattern(re *syntax.Regexp, inRepeat bool) error {
	repeats := isRepeat(re)
	if re.Op == syntax.OpRepeat && (re.Min > MaxPatternRepeat || re.Max > MaxPatternRepeat) {
		return fmt.Errorf("%w: repeat count above %d", ErrUnsafePattern, MaxPatternRepeat)
	}
	if repeats && inRepeat {
		return fmt.Errorf("%w: nested quantifiers", ErrUnsafePattern)
	}
	if re.Op == syntax.OpAlternate && inRepeat {
		return fmt.Errorf("%w: quantified alternation", ErrUnsafePattern)
	}
	for _, sub := range re.Sub {
		if err := checkPattern(sub, inRepeat || repeats); err != nil {
			return err
		}
	}
	return nil
}

func isRepeat(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		return true
	case syntax.OpRepeat:
		return re.Max == -1 || re.Max > 1
	}
	return false
}
