package matching

import (
	"context"
	"slices"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/events"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// ConfigSource serves the active MatchConfig
type ConfigSource interface {
	Current() (*models.MatchConfig, error)
}

// Service maintains potential duplicate links on the write path and on review
type Service struct {
	finder    *Finder
	store     recordstore.Store
	configs   ConfigSource
	publisher events.Publisher
	logger    ectologger.Logger
}

func NewService(finder *Finder, store recordstore.Store, configs ConfigSource, publisher events.Publisher, logger ectologger.Logger) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		finder:    finder,
		store:     store,
		configs:   configs,
		publisher: publisher,
		logger:    logger,
	}
}

// Finder returns the candidate finder the service uses
func (s *Service) Finder() *Finder {
	return s.finder
}

// FlagOutcome is the result of flagging one subject against its candidates
type FlagOutcome struct {
	Candidates []models.CandidateMatch
	// Linked are the candidates that scored at or above the flag threshold
	Linked    []models.CandidateMatch
	Truncated bool
}

// CheckOnSave runs the write-path duplicate check for a saved subject. changedFields
// is nil for a create; for an update the check only runs when a trigger field changed.
// It never fails: errors are logged and an empty list returned.
func (s *Service) CheckOnSave(ctx context.Context, subject *models.Subject, changedFields []string) []models.CandidateMatch {
	ctx, span := tracing.StartSpan(ctx, "matching.Service.CheckOnSave")
	defer span.End()

	log := s.logger.WithContext(ctx).WithField("subject_id", subject.ID)

	cfg, err := s.configs.Current()
	if err != nil {
		log.WithError(err).Warn("Skipping duplicate check, no match config")
		return nil
	}
	if !cfg.Realtime.Enabled {
		return nil
	}
	if changedFields != nil && !slices.ContainsFunc(changedFields, func(f string) bool {
		return slices.Contains(cfg.Realtime.TriggerFields, f)
	}) {
		log.Debug("No trigger field changed, skipping duplicate check")
		return nil
	}

	outcome, err := s.Flag(ctx, cfg, subject)
	if err != nil {
		log.WithError(err).Warn("Duplicate check failed, save proceeds without it")
		return nil
	}
	return outcome.Candidates
}

// Flag finds candidates for subject and links those at or above the realtime flag
// threshold, moving flaggable statuses to potential_duplicate.
func (s *Service) Flag(ctx context.Context, cfg *models.MatchConfig, subject *models.Subject) (*FlagOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Service.Flag")
	defer span.End()

	if !subject.Status.Matchable() {
		return &FlagOutcome{}, nil
	}

	result, err := s.finder.FindCandidates(ctx, cfg, subject.Attributes, subject.ID)
	if err != nil {
		return nil, err
	}

	outcome := &FlagOutcome{
		Candidates: result.Candidates,
		Truncated:  result.Truncated,
	}
	if subject.ID == 0 {
		return outcome, nil
	}

	var toLink []models.CandidateMatch
	for _, c := range result.AtLeast(cfg.Realtime.FlagThreshold) {
		if !subject.HasDuplicateRef(c.SubjectID) {
			toLink = append(toLink, c)
		}
	}
	if len(toLink) == 0 {
		return outcome, nil
	}

	// Candidates were found outside the transaction, so a merge may have retired some of
	// them since. Links are written first so rows held by a running merge block here, then
	// statuses are re-read and links to anything no longer matchable are taken back.
	var kept []models.CandidateMatch
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		ids := []int64{subject.ID}
		for _, c := range toLink {
			if err := s.store.LinkDuplicates(ctx, subject.ID, c.SubjectID); err != nil {
				return err
			}
			ids = append(ids, c.SubjectID)
		}

		rows, err := s.store.ReadMany(ctx, ids)
		if err != nil {
			return err
		}
		current := make(map[int64]models.Subject, len(rows))
		for _, r := range rows {
			current[r.ID] = r
		}

		self, ok := current[subject.ID]
		selfMatchable := ok && self.Status.Matchable()
		var flaggable []int64
		if selfMatchable && self.Status.Flaggable() {
			flaggable = append(flaggable, subject.ID)
		}
		for _, c := range toLink {
			row, ok := current[c.SubjectID]
			if !selfMatchable || !ok || !row.Status.Matchable() {
				if err := s.store.UnlinkDuplicates(ctx, subject.ID, c.SubjectID); err != nil {
					return err
				}
				continue
			}
			kept = append(kept, c)
			if row.Status.Flaggable() {
				flaggable = append(flaggable, c.SubjectID)
			}
		}
		if len(kept) == 0 {
			flaggable = nil
		}
		if len(flaggable) == 0 {
			return nil
		}
		return s.store.BulkUpdate(ctx, flaggable, models.SubjectPatch{
			Status: models.Ptr(models.SubjectStatusPotentialDuplicate),
		})
	})
	if err != nil {
		return nil, errors.WrapBackendError("Flag", err)
	}
	if skipped := len(toLink) - len(kept); skipped > 0 {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"subject_id": subject.ID,
			"skipped":    skipped,
		}).Debug("Skipped candidates retired before linking")
	}
	if len(kept) == 0 {
		return outcome, nil
	}

	outcome.Linked = kept
	metrics.RecordLinkChange("linked", len(kept))

	if err := s.publisher.Publish(ctx, events.NewPotentialDuplicateFlagged(ctx, subject.ID, kept)); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to publish potential duplicate event")
	}
	return outcome, nil
}

// DismissAsNotDuplicate removes the a/b link in both directions. Either side left in
// potential_duplicate with no remaining links returns to its prior lifecycle status.
func (s *Service) DismissAsNotDuplicate(ctx context.Context, a, b int64) error {
	ctx, span := tracing.StartSpan(ctx, "matching.Service.DismissAsNotDuplicate")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"subject_id": a,
		"other_id":   b,
	})

	if a == b {
		return errors.NewValidationError("a subject cannot be dismissed as a duplicate of itself").WithField("subject_id")
	}

	subjects, err := s.store.ReadMany(ctx, []int64{a, b})
	if err != nil {
		log.WithError(err).Error("Failed to read subjects for dismissal")
		return errors.WrapBackendError("DismissAsNotDuplicate", err)
	}
	if len(subjects) != 2 {
		return errors.NewValidationErrorf("subjects %d and %d must both exist", a, b)
	}

	var reverted map[int64]models.SubjectStatus
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.UnlinkDuplicates(ctx, a, b); err != nil {
			return err
		}
		var err error
		reverted, err = RevertUnlinked(ctx, s.store, []int64{a, b})
		return err
	})
	if err != nil {
		log.WithError(err).Error("Failed to dismiss duplicate link")
		return errors.WrapBackendError("DismissAsNotDuplicate", err)
	}

	metrics.RecordLinkChange("dismissed", 1)
	log.WithField("reverted", len(reverted)).Info("Dismissed potential duplicate")

	if err := s.publisher.Publish(ctx, events.NewDuplicateDismissed(ctx, a, b, reverted)); err != nil {
		log.WithError(err).Warn("Failed to publish duplicate dismissed event")
	}
	return nil
}

// RevertUnlinked returns every potential_duplicate subject among ids that has no links
// left to active (kyc verified) or pending_verification, and reports the new statuses.
func RevertUnlinked(ctx context.Context, store recordstore.SubjectStore, ids []int64) (map[int64]models.SubjectStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	subjects, err := store.ReadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	reverted := make(map[int64]models.SubjectStatus)
	for _, subject := range subjects {
		if subject.Status != models.SubjectStatusPotentialDuplicate || len(subject.PotentialDuplicateRefs) > 0 {
			continue
		}
		next := subject.StatusAfterDismissal()
		if err := store.BulkUpdate(ctx, []int64{subject.ID}, models.SubjectPatch{Status: models.Ptr(next)}); err != nil {
			return nil, err
		}
		reverted[subject.ID] = next
	}
	return reverted, nil
}
