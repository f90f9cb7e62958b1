// Package normalizers provides value normalization applied before comparing subject fields
package normalizers

import (
	"strings"
	"time"
	"unicode"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("collapse_whitespace", CollapseWhitespace)
	Register("nname", NormalizeName)
	Register("nphone", NormalizePhone)
	Register("nemail", NormalizeEmail)
	Register("ndate", NormalizeDate)
	Register("digits_only", DigitsOnly)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer; unknown names leave the value unchanged
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	for _, name := range normalizers {
		value = Apply(value, name)
	}
	return value
}

// ForField normalizes value the way fields of type t are compared
func ForField(t models.FieldType, value string) string {
	switch t {
	case models.FieldTypeName:
		return NormalizeName(value)
	case models.FieldTypeDate:
		return NormalizeDate(value)
	case models.FieldTypeReference:
		return Trim(value)
	default:
		return CollapseWhitespace(Lowercase(value))
	}
}

func Lowercase(s string) string {
	return strings.ToLower(s)
}

func Trim(s string) string {
	return strings.TrimSpace(s)
}

// CollapseWhitespace trims and folds runs of whitespace into one space
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeName lowercases, replaces punctuation with spaces and collapses whitespace,
// so "Smith, John A." becomes "smith john a".
func NormalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return CollapseWhitespace(b.String())
}

// NormalizePhone keeps digits only
func NormalizePhone(s string) string {
	return DigitsOnly(s)
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"02/01/2006",
	"2006/01/02",
	"02-01-2006",
}

// NormalizeDate renders any recognised date layout as YYYY-MM-DD. Unparseable input is
// returned trimmed so that equal raw strings still compare equal.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
