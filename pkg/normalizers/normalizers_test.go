package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/thistle/pkg/models"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"punctuation becomes space", "Smith, John A.", "smith john a"},
		{"collapses whitespace", "  Jonathan   Smith ", "jonathan smith"},
		{"keeps digits", "Agent 007", "agent 007"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.input))
		})
	}
}

func TestNormalizeDate(t *testing.T) {
	assert.Equal(t, "1980-05-17", NormalizeDate("1980-05-17"))
	assert.Equal(t, "1980-05-17", NormalizeDate("17/05/1980"))
	assert.Equal(t, "1980-05-17", NormalizeDate("1980-05-17T00:00:00Z"))
	assert.Equal(t, "sometime", NormalizeDate(" sometime "))
}

func TestApplyChain(t *testing.T) {
	assert.Equal(t, "5550100", ApplyChain(" +555-0100 ", "trim", "nphone"))
	assert.Equal(t, "unchanged", Apply("unchanged", "no_such_normalizer"))
}

func TestForField(t *testing.T) {
	assert.Equal(t, "jonathan smith", ForField(models.FieldTypeName, "Jonathan, Smith"))
	assert.Equal(t, "2001-02-03", ForField(models.FieldTypeDate, "03/02/2001"))
	assert.Equal(t, "42", ForField(models.FieldTypeReference, " 42 "))
	assert.Equal(t, "a b", ForField(models.FieldTypeText, " A  B "))
}
