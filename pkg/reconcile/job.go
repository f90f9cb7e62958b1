// Package reconcile runs the scheduled duplicate sweep over the whole registry
package reconcile

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

type Options struct {
	PageSize    int
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 500
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Report summarises one sweep
type Report struct {
	Scanned  int           `json:"scanned"`
	Flagged  int           `json:"flagged"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Job pages through every matchable subject and flags its candidates
type Job struct {
	store    recordstore.SubjectStore
	matching *matching.Service
	configs  matching.ConfigSource
	opts     Options
	logger   ectologger.Logger
}

func NewJob(store recordstore.SubjectStore, service *matching.Service, configs matching.ConfigSource, opts Options, logger ectologger.Logger) *Job {
	return &Job{
		store:    store,
		matching: service,
		configs:  configs,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// Run sweeps the registry once. Per-subject failures are counted and logged; a config
// or paging failure stops the sweep. On cancellation the partial report is returned with
// the context error.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Job.Run")
	defer span.End()

	start := time.Now()
	log := j.logger.WithContext(ctx).WithFields(map[string]any{
		"page_size":   j.opts.PageSize,
		"concurrency": j.opts.Concurrency,
	})

	cfg, err := j.configs.Current()
	if err != nil {
		log.WithError(err).Error("Cannot reconcile without a match config")
		return nil, err
	}

	var scanned, flagged, failed atomic.Int64
	report := func() *Report {
		return &Report{
			Scanned:  int(scanned.Load()),
			Flagged:  int(flagged.Load()),
			Failed:   int(failed.Load()),
			Duration: time.Since(start),
		}
	}

	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			log.WithError(err).Warn("Reconciliation interrupted")
			return report(), err
		}

		page, err := j.store.Search(ctx, recordstore.SearchFilter{
			ExcludeStatuses: models.StatusesExcludedFromMatching,
			AfterID:         cursor,
			Limit:           j.opts.PageSize,
			Order:           recordstore.OrderByIDAsc,
		})
		if err != nil {
			if ctx.Err() != nil {
				return report(), ctx.Err()
			}
			log.WithError(err).Error("Failed to read reconciliation page")
			return report(), errors.WrapBackendError("reconcile.page", err)
		}
		if len(page) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(j.opts.Concurrency)
		for _, subject := range page {
			g.Go(func() error {
				scanned.Add(1)
				linked, err := j.reconcileOne(gctx, cfg, subject.ID)
				switch {
				case err != nil:
					failed.Add(1)
					metrics.RecordReconcileSubject("failed")
					j.logger.WithContext(gctx).WithError(err).WithField("subject_id", subject.ID).Warn("Failed to reconcile subject")
				case linked:
					flagged.Add(1)
					metrics.RecordReconcileSubject("flagged")
				default:
					metrics.RecordReconcileSubject("clean")
				}
				// per-subject failures never cancel the page
				return nil
			})
		}
		_ = g.Wait()

		cursor = page[len(page)-1].ID
		if len(page) < j.opts.PageSize {
			break
		}
	}

	r := report()
	log.WithFields(map[string]any{
		"scanned": r.Scanned,
		"flagged": r.Flagged,
		"failed":  r.Failed,
	}).Info("Reconciliation complete")
	return r, nil
}

// reconcileOne re-reads the subject so links made earlier in the sweep are seen
func (j *Job) reconcileOne(ctx context.Context, cfg *models.MatchConfig, id int64) (bool, error) {
	subject, err := j.store.ReadOne(ctx, id)
	if stderrors.Is(err, recordstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	outcome, err := j.matching.Flag(ctx, cfg, subject)
	if err != nil {
		return false, err
	}
	return len(outcome.Linked) > 0, nil
}
