// Package matching finds duplicate candidates for a subject and maintains duplicate links
package matching

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/matchconfig"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/scoring"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const exactScore = 100

// Finder runs the exact, composite and fuzzy passes against the record store
type Finder struct {
	store      recordstore.SubjectStore
	comparator *scoring.Comparator
	fields     *models.FieldRegistry
	logger     ectologger.Logger
}

// NewFinder creates a finder. A nil comparator disables the fuzzy pass.
func NewFinder(store recordstore.SubjectStore, comparator *scoring.Comparator, fields *models.FieldRegistry, logger ectologger.Logger) *Finder {
	if fields == nil {
		fields = models.DefaultFieldRegistry()
	}
	return &Finder{
		store:      store,
		comparator: comparator,
		fields:     fields,
		logger:     logger,
	}
}

// candidateScore accumulates one subject's score across passes
type candidateScore struct {
	subjectID  int64
	score      int
	fields     []string
	modifiedAt time.Time
}

func (c *candidateScore) annotate(annotations ...string) {
	for _, a := range annotations {
		if !slices.Contains(c.fields, a) {
			c.fields = append(c.fields, a)
		}
	}
}

type accumulator struct {
	byID map[int64]*candidateScore
}

func newAccumulator() *accumulator {
	return &accumulator{byID: make(map[int64]*candidateScore)}
}

// add merges a hit, keeping the highest score and unioning annotations
func (a *accumulator) add(subject models.Subject, score int, annotations ...string) {
	c, ok := a.byID[subject.ID]
	if !ok {
		c = &candidateScore{subjectID: subject.ID, modifiedAt: subject.UpdatedAt}
		a.byID[subject.ID] = c
	}
	c.score = max(c.score, score)
	c.annotate(annotations...)
}

func (a *accumulator) exactIDs() []int64 {
	var ids []int64
	for id, c := range a.byID {
		if c.score >= exactScore {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// ranked returns candidates by score desc, then most recently modified, then id
func (a *accumulator) ranked() []models.CandidateMatch {
	out := make([]models.CandidateMatch, 0, len(a.byID))
	for _, c := range a.byID {
		out = append(out, models.CandidateMatch{
			SubjectID:     c.subjectID,
			Score:         c.score,
			MatchedFields: c.fields,
			ModifiedAt:    c.modifiedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].ModifiedAt.Equal(out[j].ModifiedAt) {
			return out[i].ModifiedAt.After(out[j].ModifiedAt)
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	return out
}

// exactQuery is one equality lookup from exact_fields or exact_combos
type exactQuery struct {
	equals      map[string]string
	annotations []string
}

// FindCandidates returns the ranked duplicate candidates for snapshot. excludeID (the
// subject itself, 0 for none) is never returned. When ctx ends mid-search the candidates
// gathered so far come back with Truncated set.
func (f *Finder) FindCandidates(ctx context.Context, cfg *models.MatchConfig, snapshot models.Attributes, excludeID int64) (*models.CandidateResult, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Finder.FindCandidates")
	defer span.End()

	start := time.Now()
	log := f.logger.WithContext(ctx).WithFields(map[string]any{
		"exclude_id": excludeID,
	})

	if err := matchconfig.Validate(cfg, f.fields); err != nil {
		log.WithError(err).Error("Cannot search for candidates with invalid match config")
		metrics.RecordCandidateSearch("config_error", 0, time.Since(start).Seconds())
		return nil, err
	}

	base := recordstore.SearchFilter{
		ExcludeStatuses: models.StatusesExcludedFromMatching,
	}
	if excludeID > 0 {
		base.ExcludeIDs = []int64{excludeID}
	}

	acc := newAccumulator()
	finish := func(truncated bool) *models.CandidateResult {
		result := &models.CandidateResult{Candidates: acc.ranked(), Truncated: truncated}
		outcome := "ok"
		if truncated {
			outcome = "truncated"
			log.WithFields(map[string]any{"candidates": len(result.Candidates)}).Warn("Candidate search truncated")
		}
		metrics.RecordCandidateSearch(outcome, len(result.Candidates), time.Since(start).Seconds())
		return result
	}

	if truncated, err := f.exactPasses(ctx, cfg, snapshot, base, acc); err != nil {
		log.WithError(err).Error("Exact candidate search failed")
		metrics.RecordCandidateSearch("backend_error", 0, time.Since(start).Seconds())
		return nil, errors.WrapBackendError("FindCandidates.exact", err)
	} else if truncated {
		return finish(true), nil
	}

	if truncated, err := f.fuzzyPass(ctx, cfg, snapshot, base, acc); err != nil {
		log.WithError(err).Error("Fuzzy candidate search failed")
		metrics.RecordCandidateSearch("backend_error", 0, time.Since(start).Seconds())
		return nil, errors.WrapBackendError("FindCandidates.fuzzy", err)
	} else if truncated {
		return finish(true), nil
	}

	result := finish(false)
	log.WithFields(map[string]any{"candidates": len(result.Candidates)}).Debug("Candidate search complete")
	return result, nil
}

func exactQueries(cfg *models.MatchConfig, snapshot models.Attributes) []exactQuery {
	var queries []exactQuery
	for _, field := range cfg.ExactFields {
		if !snapshot.HasValue(field) {
			continue
		}
		queries = append(queries, exactQuery{
			equals:      map[string]string{field: snapshot.Get(field)},
			annotations: []string{field},
		})
	}

combos:
	for _, combo := range cfg.ExactCombos {
		equals := make(map[string]string, len(combo))
		for _, field := range combo {
			// partial composite matches are never attempted
			if !snapshot.HasValue(field) {
				continue combos
			}
			equals[field] = snapshot.Get(field)
		}
		queries = append(queries, exactQuery{equals: equals, annotations: slices.Clone(combo)})
	}
	return queries
}

// exactPasses runs every exact and composite lookup concurrently and merges them in
// configuration order.
func (f *Finder) exactPasses(ctx context.Context, cfg *models.MatchConfig, snapshot models.Attributes, base recordstore.SearchFilter, acc *accumulator) (bool, error) {
	queries := exactQueries(cfg, snapshot)
	if len(queries) == 0 {
		return false, nil
	}

	results := make([][]models.Subject, len(queries))
	done := make([]bool, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			filter := base
			filter.Equals = q.equals
			subjects, err := f.store.Search(gctx, filter)
			if err != nil {
				return err
			}
			results[i] = subjects
			done[i] = true
			return nil
		})
	}
	err := g.Wait()

	for i, q := range queries {
		if !done[i] {
			continue
		}
		for _, subject := range results[i] {
			acc.add(subject, exactScore, q.annotations...)
		}
	}

	if ctx.Err() != nil {
		return true, nil
	}
	return false, err
}

func (f *Finder) fuzzyPass(ctx context.Context, cfg *models.MatchConfig, snapshot models.Attributes, base recordstore.SearchFilter, acc *accumulator) (bool, error) {
	if !cfg.Fuzzy.Enabled || f.comparator == nil {
		return false, nil
	}

	var fields []string
	for _, field := range cfg.FuzzyFieldNames() {
		if snapshot.HasValue(field) {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		return false, nil
	}

	filter := base
	filter.ExcludeIDs = append(slices.Clone(base.ExcludeIDs), acc.exactIDs()...)
	filter.Limit = cfg.Fuzzy.PoolLimit
	filter.Order = recordstore.OrderByModifiedDesc
	for _, field := range cfg.Fuzzy.PrefilterFields {
		if snapshot.HasValue(field) {
			if filter.Equals == nil {
				filter.Equals = make(map[string]string)
			}
			filter.Equals[field] = snapshot.Get(field)
		}
	}

	pool, err := f.store.Search(ctx, filter)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return false, err
	}
	if len(pool) == filter.Limit {
		f.logger.WithContext(ctx).WithField("pool_limit", filter.Limit).Debug("Fuzzy pool reached its limit")
	}

	for _, candidate := range pool {
		if ctx.Err() != nil {
			return true, nil
		}

		var matched []scoring.FieldScore
		for _, field := range fields {
			if !candidate.Attributes.HasValue(field) {
				continue
			}
			rule := cfg.FuzzyFields[field]
			sim := f.comparator.Compare(field, rule.Algorithm, snapshot.Get(field), candidate.Attributes.Get(field))
			if sim >= rule.Threshold {
				matched = append(matched, scoring.FieldScore{Field: field, Score: sim, Weight: rule.Weight})
			}
		}
		if len(matched) == 0 {
			continue
		}

		annotations := make([]string, len(matched))
		for i, m := range matched {
			annotations[i] = m.Annotation()
		}
		acc.add(candidate, scoring.WeightedAggregate(matched), annotations...)
	}
	return false, nil
}
