package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/thistle/pkg/models"
)

func TestTokenSetRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"single letter typo", "Jonathan Smith", "Jonathan Smyth", 93},
		{"reordered with extra initial", "John A. Smith", "Smith, John", 100},
		{"identical", "Amina Okafor", "Amina Okafor", 100},
		{"case and punctuation", "AMINA OKAFOR", "okafor, amina", 100},
		{"both empty", "", "", 100},
		{"one empty", "Amina", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TokenSetRatio{}.Similarity(tt.a, tt.b))
		})
	}
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 100, Ratio{}.Similarity("0712345678", "0712345678"))
	assert.Equal(t, 90, Ratio{}.Similarity("0712345678", "0712345679"))
	assert.Equal(t, 0, Ratio{}.Similarity("abc", "xyz"))
	assert.Equal(t, 100, Ratio{}.Similarity("", ""))
}

func TestJaroWinkler(t *testing.T) {
	assert.Equal(t, 100, JaroWinkler{}.Similarity("martha", "martha"))
	assert.Equal(t, 96, JaroWinkler{}.Similarity("martha", "marhta"))
	assert.Equal(t, 0, JaroWinkler{}.Similarity("", "martha"))
}

func TestComparator_Compare(t *testing.T) {
	c := NewComparator(models.DefaultFieldRegistry(), nil)

	tests := []struct {
		name      string
		field     string
		algorithm models.SimilarityAlgorithm
		a, b      string
		want      int
	}{
		{"name uses token set", models.FieldFullName, models.SimilarityAuto, "Jonathan Smith", "Smith Jonathan", 100},
		{"date equal after normalization", models.FieldDateOfBirth, models.SimilarityAuto, "1980-05-17", "17/05/1980", 100},
		{"date differs", models.FieldDateOfBirth, models.SimilarityAuto, "1980-05-17", "1980-05-18", 0},
		{"reference is binary", models.FieldAdministrativeAreaID, models.SimilarityAuto, "12", "13", 0},
		{"enum ignores case", models.FieldSex, models.SimilarityAuto, "Female", "female", 100},
		{"blank never matches", models.FieldFullName, models.SimilarityAuto, "", "", 0},
		{"explicit exact on a name", models.FieldFullName, models.SimilarityExact, "Jon Smith", "John Smith", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Compare(tt.field, tt.algorithm, tt.a, tt.b))
		})
	}
}

func TestComparator_Override(t *testing.T) {
	stub := SimilarityFunc(func(a, b string) int { return 42 })
	c := NewComparator(nil, map[models.SimilarityAlgorithm]StringSimilarity{models.SimilarityTokenSet: stub})

	assert.Equal(t, 42, c.Compare(models.FieldFullName, models.SimilarityAuto, "a", "b"))
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, 0, AggregateScore(nil))
	assert.Equal(t, 89, AggregateScore([]int{93, 86}))
	assert.Equal(t, 89, WeightedAggregate([]FieldScore{{Score: 93}, {Score: 86}}))
	assert.Equal(t, 91, WeightedAggregate([]FieldScore{{Score: 93, Weight: 3}, {Score: 86, Weight: 1}}))
	assert.Equal(t, "full_name (93%)", FieldScore{Field: "full_name", Score: 93}.Annotation())
}
