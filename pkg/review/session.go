// Package review coordinates one reviewer working through the duplicate candidates of a subject
package review

import (
	"context"
	stderrors "errors"
	"slices"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/merging"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Deps are the engine services a session drives
type Deps struct {
	Store    recordstore.SubjectStore
	Matching *matching.Service
	Configs  matching.ConfigSource
	Planner  *merging.Planner
	Executor *merging.Executor
	Fields   *models.FieldRegistry
	Logger   ectologger.Logger
}

// FieldComparison is one row of the side-by-side grid
type FieldComparison struct {
	Field    string `json:"field"`
	Primary  string `json:"primary"`
	Selected string `json:"selected"`
	Differs  bool   `json:"differs"`
}

// Session holds the state of one review. It is not safe for concurrent use.
type Session struct {
	deps      Deps
	primaryID int64

	primary    *models.Subject
	candidates []models.CandidateMatch
	truncated  bool
	selected   *models.Subject
}

func NewSession(deps Deps, primaryID int64) *Session {
	if deps.Fields == nil {
		deps.Fields = models.DefaultFieldRegistry()
	}
	return &Session{deps: deps, primaryID: primaryID}
}

// Load reads the primary subject and its ranked candidates
func (s *Session) Load(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "review.Session.Load")
	defer span.End()

	log := s.deps.Logger.WithContext(ctx).WithField("subject_id", s.primaryID)

	primary, err := s.readSubject(ctx, s.primaryID)
	if err != nil {
		log.WithError(err).Warn("Failed to load review subject")
		return err
	}

	cfg, err := s.deps.Configs.Current()
	if err != nil {
		log.WithError(err).Error("Cannot review without a match config")
		return err
	}

	result, err := s.deps.Matching.Finder().FindCandidates(ctx, cfg, primary.Attributes, primary.ID)
	if err != nil {
		log.WithError(err).Error("Failed to find candidates for review")
		return err
	}

	s.primary = primary
	s.candidates = result.Candidates
	s.truncated = result.Truncated
	if s.selected != nil && !s.isReviewable(s.selected.ID) {
		s.selected = nil
	}

	log.WithField("candidates", len(s.candidates)).Debug("Review session loaded")
	return nil
}

func (s *Session) Primary() *models.Subject { return s.primary }

func (s *Session) Selected() *models.Subject { return s.selected }

func (s *Session) Candidates() []models.CandidateMatch { return s.candidates }

// Truncated reports whether the last candidate search ran out of time
func (s *Session) Truncated() bool { return s.truncated }

// Select picks the candidate to compare against. Flagged links count even when the
// current rules no longer score them.
func (s *Session) Select(ctx context.Context, id int64) error {
	ctx, span := tracing.StartSpan(ctx, "review.Session.Select")
	defer span.End()

	if s.primary == nil {
		return errors.NewValidationError("load the session before selecting a candidate")
	}
	if !s.isReviewable(id) {
		return errors.NewValidationErrorf("subject %d is not a candidate of subject %d", id, s.primary.ID)
	}

	selected, err := s.readSubject(ctx, id)
	if err != nil {
		return err
	}
	s.selected = selected
	return nil
}

// Compare returns the field grid between the primary and the selected candidate
func (s *Session) Compare() ([]FieldComparison, error) {
	if s.primary == nil || s.selected == nil {
		return nil, errors.NewValidationError("select a candidate to compare")
	}

	rows := make([]FieldComparison, 0, len(s.deps.Fields.Names()))
	for _, field := range s.deps.Fields.Names() {
		a, b := s.primary.Attributes.Get(field), s.selected.Attributes.Get(field)
		rows = append(rows, FieldComparison{
			Field:    field,
			Primary:  a,
			Selected: b,
			Differs:  a != b,
		})
	}
	return rows, nil
}

// Merge folds the other side of the pair into masterID, which must be the primary or the
// selected candidate. The session then follows the surviving record.
func (s *Session) Merge(ctx context.Context, masterID int64, overrides map[string]int64) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Session.Merge")
	defer span.End()

	if s.primary == nil || s.selected == nil {
		return nil, errors.NewValidationError("select a candidate before merging")
	}

	var duplicateID int64
	switch masterID {
	case s.primary.ID:
		duplicateID = s.selected.ID
	case s.selected.ID:
		duplicateID = s.primary.ID
	default:
		return nil, errors.NewValidationError("the surviving record must be one of the two being compared").WithField("master_id")
	}

	log := s.deps.Logger.WithContext(ctx).WithFields(map[string]any{
		"master_id":    masterID,
		"duplicate_id": duplicateID,
	})

	plan, err := s.deps.Planner.PlanMerge(ctx, masterID, []int64{duplicateID}, overrides)
	if err != nil {
		log.WithError(err).Warn("Merge plan rejected")
		return nil, err
	}

	result, err := s.deps.Executor.ExecuteMerge(ctx, plan)
	if err != nil {
		log.WithError(err).Warn("Merge failed")
		return nil, err
	}

	s.primaryID = masterID
	s.selected = nil
	if err := s.Load(ctx); err != nil {
		// the merge committed; a stale candidate list is only logged
		log.WithError(err).Warn("Failed to refresh candidates after merge")
	}
	return result, nil
}

// Dismiss marks the selected candidate as not a duplicate of the primary
func (s *Session) Dismiss(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "review.Session.Dismiss")
	defer span.End()

	if s.primary == nil || s.selected == nil {
		return errors.NewValidationError("select a candidate to dismiss")
	}

	dismissed := s.selected.ID
	if err := s.deps.Matching.DismissAsNotDuplicate(ctx, s.primary.ID, dismissed); err != nil {
		return err
	}

	s.selected = nil
	s.candidates = slices.DeleteFunc(s.candidates, func(c models.CandidateMatch) bool {
		return c.SubjectID == dismissed
	})
	if primary, err := s.readSubject(ctx, s.primary.ID); err == nil {
		s.primary = primary
	}
	return nil
}

// UserMessage renders an error from any session call for the reviewer
func UserMessage(err error) string {
	return errors.UserMessage(err)
}

func (s *Session) isReviewable(id int64) bool {
	if id == s.primary.ID {
		return false
	}
	if s.primary.HasDuplicateRef(id) {
		return true
	}
	return slices.ContainsFunc(s.candidates, func(c models.CandidateMatch) bool { return c.SubjectID == id })
}

func (s *Session) readSubject(ctx context.Context, id int64) (*models.Subject, error) {
	subject, err := s.deps.Store.ReadOne(ctx, id)
	if stderrors.Is(err, recordstore.ErrNotFound) {
		return nil, errors.NewValidationErrorf("subject %d does not exist", id)
	}
	if err != nil {
		return nil, errors.WrapBackendError("review.readSubject", err)
	}
	return subject, nil
}
