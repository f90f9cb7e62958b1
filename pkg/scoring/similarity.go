// Package scoring compares subject field values and aggregates per-field scores
package scoring

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

// StringSimilarity scores two strings from 0 (nothing in common) to 100 (identical)
type StringSimilarity interface {
	Similarity(a, b string) int
}

// SimilarityFunc adapts a plain function to StringSimilarity
type SimilarityFunc func(a, b string) int

func (f SimilarityFunc) Similarity(a, b string) int {
	return f(a, b)
}

// Ratio is the normalized Levenshtein similarity of two strings
type Ratio struct{}

func (Ratio) Similarity(a, b string) int {
	return toPercent(ratio(a, b))
}

func ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// TokenSetRatio compares the word sets of two strings so that word order, repeated
// words and extra words on one side weigh less than a plain ratio.
type TokenSetRatio struct{}

func (TokenSetRatio) Similarity(a, b string) int {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 100
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var sect, onlyA, onlyB []string
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			sect = append(sect, tok)
		} else {
			onlyA = append(onlyA, tok)
		}
	}
	for tok := range tb {
		if _, ok := ta[tok]; !ok {
			onlyB = append(onlyB, tok)
		}
	}
	sort.Strings(sect)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(sect, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := ratio(withA, withB)
	if base != "" {
		best = max(best, ratio(base, withA), ratio(base, withB))
	}
	return toPercent(best)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[tok] = struct{}{}
	}
	return out
}

// JaroWinkler favours strings sharing a common prefix
type JaroWinkler struct{}

func (JaroWinkler) Similarity(a, b string) int {
	return toPercent(jaroWinkler([]rune(a), []rune(b)))
}

func jaroWinkler(a, b []rune) float64 {
	if string(a) == string(b) {
		return 1
	}
	j := jaro(a, b)

	prefix := 0
	for i := 0; i < len(a) && i < len(b) && i < 4; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}
	return j + float64(prefix)*0.1*(1-j)
}

func jaro(a, b []rune) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matchDist := max(max(len(a), len(b))/2-1, 0)

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))
	matches := 0
	for i := range a {
		start := max(0, i-matchDist)
		end := min(len(b), i+matchDist+1)
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := range a {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}

// Exact scores 100 for equal strings and 0 otherwise
type Exact struct{}

func (Exact) Similarity(a, b string) int {
	if a == b {
		return 100
	}
	return 0
}

func toPercent(f float64) int {
	return int(math.Round(f * 100))
}

// Comparator scores field values using the field registry to pick normalization and
// the default algorithm per field type.
type Comparator struct {
	fields     *models.FieldRegistry
	algorithms map[models.SimilarityAlgorithm]StringSimilarity
}

// NewComparator returns a comparator using the stock algorithms. Overrides replace the
// implementation behind an algorithm name.
func NewComparator(fields *models.FieldRegistry, overrides map[models.SimilarityAlgorithm]StringSimilarity) *Comparator {
	if fields == nil {
		fields = models.DefaultFieldRegistry()
	}
	algorithms := map[models.SimilarityAlgorithm]StringSimilarity{
		models.SimilarityTokenSet:    TokenSetRatio{},
		models.SimilarityRatio:       Ratio{},
		models.SimilarityJaroWinkler: JaroWinkler{},
		models.SimilarityExact:       Exact{},
	}
	for name, impl := range overrides {
		algorithms[name] = impl
	}
	return &Comparator{fields: fields, algorithms: algorithms}
}

// Compare scores a and b for field. Blank values never match.
func (c *Comparator) Compare(field string, algorithm models.SimilarityAlgorithm, a, b string) int {
	fieldType := c.fields.TypeOf(field)
	na, nb := normalizers.ForField(fieldType, a), normalizers.ForField(fieldType, b)
	if na == "" || nb == "" {
		return 0
	}
	if algorithm == models.SimilarityAuto {
		algorithm = DefaultAlgorithm(fieldType)
	}
	impl, ok := c.algorithms[algorithm]
	if !ok {
		impl = Ratio{}
	}
	return impl.Similarity(na, nb)
}

// FieldSimilarity compares a and b with the stock algorithm for fields of type t
func FieldSimilarity(t models.FieldType, a, b string) int {
	na, nb := normalizers.ForField(t, a), normalizers.ForField(t, b)
	if na == "" || nb == "" {
		return 0
	}
	switch DefaultAlgorithm(t) {
	case models.SimilarityTokenSet:
		return TokenSetRatio{}.Similarity(na, nb)
	case models.SimilarityRatio:
		return Ratio{}.Similarity(na, nb)
	default:
		return Exact{}.Similarity(na, nb)
	}
}

// DefaultAlgorithm maps a field type to its stock comparison
func DefaultAlgorithm(t models.FieldType) models.SimilarityAlgorithm {
	switch t {
	case models.FieldTypeName:
		return models.SimilarityTokenSet
	case models.FieldTypeText:
		return models.SimilarityRatio
	default:
		return models.SimilarityExact
	}
}
