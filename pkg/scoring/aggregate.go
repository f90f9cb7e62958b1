package scoring

import "fmt"

// FieldScore is the similarity of one field and the weight it carries in the aggregate
type FieldScore struct {
	Field  string
	Score  int
	Weight float64
}

// Annotation renders the score as shown in a candidate's matched fields, e.g. "full_name (93%)"
func (f FieldScore) Annotation() string {
	return fmt.Sprintf("%s (%d%%)", f.Field, f.Score)
}

// AggregateScore is the unweighted mean of scores, truncated toward zero
func AggregateScore(scores []int) int {
	if len(scores) == 0 {
		return 0
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return sum / len(scores)
}

// WeightedAggregate is the weighted mean of the field scores, truncated toward zero.
// Non-positive weights count as 1, so equal weights reduce to AggregateScore.
func WeightedAggregate(scores []FieldScore) int {
	if len(scores) == 0 {
		return 0
	}
	var total, weighted float64
	for _, s := range scores {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		weighted += float64(s.Score) * w
		total += w
	}
	return int(weighted / total)
}
