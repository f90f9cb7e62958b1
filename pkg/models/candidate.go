package models

import "time"

// CandidateMatch is a subject proposed as a possible duplicate, with its score
type CandidateMatch struct {
	SubjectID     int64     `json:"subject_id"`
	Score         int       `json:"score"`
	MatchedFields []string  `json:"matched_fields"`
	ModifiedAt    time.Time `json:"modified_at"`
}

// CandidateResult is the outcome of a candidate search. Truncated is set when the
// caller's context ended before every pass completed.
type CandidateResult struct {
	Candidates []CandidateMatch `json:"candidates"`
	Truncated  bool             `json:"truncated"`
}

// IDs returns the candidate subject ids in rank order
func (r *CandidateResult) IDs() []int64 {
	ids := make([]int64, len(r.Candidates))
	for i, c := range r.Candidates {
		ids[i] = c.SubjectID
	}
	return ids
}

// AtLeast returns the candidates scoring at or above minScore
func (r *CandidateResult) AtLeast(minScore int) []CandidateMatch {
	out := make([]CandidateMatch, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		if c.Score >= minScore {
			out = append(out, c)
		}
	}
	return out
}
