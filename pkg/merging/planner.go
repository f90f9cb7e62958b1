// Package merging plans and executes the merge of duplicate subjects into a master
package merging

import (
	"context"
	"slices"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// ConfigSource serves the active MatchConfig
type ConfigSource interface {
	Current() (*models.MatchConfig, error)
}

// Relations is the static registry of collections that reference a subject
type Relations struct {
	Children     []models.ChildRelation
	Associations []models.AssociationRelation
}

// DefaultRelations returns the registry's child and follower collections
func DefaultRelations() Relations {
	return Relations{
		Children:     models.DefaultChildRelations(),
		Associations: models.DefaultAssociationRelations(),
	}
}

// Planner builds merge plans. It never writes.
type Planner struct {
	store       recordstore.SubjectStore
	configs     ConfigSource
	fields      *models.FieldRegistry
	relations   Relations
	fieldMerger *FieldMerger
	logger      ectologger.Logger
	now         func() time.Time
}

func NewPlanner(store recordstore.SubjectStore, configs ConfigSource, fields *models.FieldRegistry, relations Relations, logger ectologger.Logger) *Planner {
	if fields == nil {
		fields = models.DefaultFieldRegistry()
	}
	return &Planner{
		store:       store,
		configs:     configs,
		fields:      fields,
		relations:   relations,
		fieldMerger: NewFieldMerger(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PlanMerge reads master and duplicates and resolves every resolvable registry field
// plus any other attribute one of them carries. overrides maps a field to the record
// whose value must survive.
func (p *Planner) PlanMerge(ctx context.Context, masterID int64, duplicateIDs []int64, overrides map[string]int64) (*models.MergePlan, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Planner.PlanMerge")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"master_id":     masterID,
		"duplicate_ids": duplicateIDs,
	})

	if err := validateRequest(masterID, duplicateIDs); err != nil {
		return nil, err
	}

	cfg, err := p.configs.Current()
	if err != nil {
		log.WithError(err).Error("Cannot plan merge without a match config")
		return nil, err
	}
	all := append([]int64{masterID}, duplicateIDs...)

	for field, sourceID := range overrides {
		if !slices.Contains(all, sourceID) {
			return nil, errors.NewValidationErrorf("override for %s names subject %d which is not part of the merge", field, sourceID).WithField(field)
		}
	}

	subjects, err := p.store.ReadMany(ctx, all)
	if err != nil {
		log.WithError(err).Error("Failed to read subjects for merge plan")
		return nil, errors.WrapBackendError("PlanMerge", err)
	}
	byID := make(map[int64]models.Subject, len(subjects))
	for _, s := range subjects {
		byID[s.ID] = s
	}

	master, ok := byID[masterID]
	if !ok {
		return nil, errors.NewValidationErrorf("master subject %d does not exist", masterID)
	}
	if master.Status == models.SubjectStatusMergedDuplicate {
		return nil, errors.NewValidationErrorf("master subject %d has already been merged into another record", masterID)
	}

	duplicates := make([]models.Subject, 0, len(duplicateIDs))
	for _, id := range duplicateIDs {
		d, ok := byID[id]
		if !ok {
			return nil, errors.NewValidationErrorf("duplicate subject %d does not exist", id)
		}
		if d.Status == models.SubjectStatusMergedDuplicate {
			return nil, errors.NewValidationErrorf("subject %d has already been merged", id).WithField("duplicate_ids")
		}
		duplicates = append(duplicates, d)
	}

	plan := &models.MergePlan{
		MasterID:         masterID,
		DuplicateIDs:     slices.Clone(duplicateIDs),
		Strategy:         cfg.MergeStrategy,
		FieldResolutions: make(map[string]models.FieldResolution),
		MasterUpdates:    models.Attributes{},
		PlannedAt:        p.now(),
	}

	attrs := make([]models.Attributes, 0, len(duplicates)+1)
	attrs = append(attrs, master.Attributes)
	for _, d := range duplicates {
		attrs = append(attrs, d.Attributes)
	}
	fields := p.fields.MergeFields(attrs...)
	for field := range overrides {
		if !slices.Contains(fields, field) {
			return nil, errors.NewValidationErrorf("override names unknown field %q", field).WithField(field)
		}
	}

	for _, field := range fields {
		values := collectValues(field, master, duplicates)
		overrideID := overrides[field]
		if overrideID != 0 && !hasSource(values, overrideID) {
			return nil, errors.NewValidationErrorf("override for %s names subject %d which has no value for it", field, overrideID).WithField(field)
		}

		res, ok := p.fieldMerger.MergeField(field, values, cfg.StrategyFor(field), overrideID)
		if !ok {
			continue
		}
		plan.FieldResolutions[field] = res
		if res.Value != master.Attributes.Get(field) {
			plan.MasterUpdates[field] = res.Value
		}
	}

	sortedDuplicates := slices.Sorted(slices.Values(duplicateIDs))
	for _, rel := range p.relations.Children {
		plan.ChildReparentings = append(plan.ChildReparentings, models.ChildReparenting{
			Relation: rel,
			FromIDs:  sortedDuplicates,
			ToID:     masterID,
		})
	}
	for _, rel := range p.relations.Associations {
		plan.AssociationUnions = append(plan.AssociationUnions, models.AssociationUnion{
			Relation: rel,
			FromIDs:  sortedDuplicates,
			ToID:     masterID,
		})
	}

	log.WithFields(map[string]any{
		"conflicts":      len(plan.Conflicts()),
		"master_updates": len(plan.MasterUpdates),
	}).Debug("Planned merge")

	return plan, nil
}

func validateRequest(masterID int64, duplicateIDs []int64) error {
	if masterID <= 0 {
		return errors.NewValidationError("a master subject is required").WithField("master_id")
	}
	if len(duplicateIDs) == 0 {
		return errors.NewValidationError("at least one duplicate is required").WithField("duplicate_ids")
	}
	seen := make(map[int64]struct{}, len(duplicateIDs))
	for _, id := range duplicateIDs {
		if id == masterID {
			return errors.NewValidationError("a subject cannot be merged into itself").WithField("duplicate_ids")
		}
		if _, dup := seen[id]; dup {
			return errors.NewValidationErrorf("subject %d is listed more than once", id).WithField("duplicate_ids")
		}
		seen[id] = struct{}{}
	}
	return nil
}

func hasSource(values []fieldValue, id int64) bool {
	return slices.ContainsFunc(values, func(v fieldValue) bool { return v.SourceID == id })
}
