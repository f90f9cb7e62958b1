package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
	"github.com/Ramsey-B/thistle/pkg/reconcile"
)

func newReconcileCmd() *cobra.Command {
	var opts reconcile.Options

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Sweep the whole registry once and flag every duplicate pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			if !cmd.Flags().Changed("page-size") {
				opts.PageSize = a.cfg.ReconcilePageSize
			}
			if !cmd.Flags().Changed("concurrency") {
				opts.Concurrency = a.cfg.ReconcileConcurrency
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.start(ctx, a.coreDependencies()...)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop(cmd.Context()) }()

			job, err := a.reconcileJob(ctx, opts)
			if err != nil {
				return err
			}
			report, runErr := job.Run(ctx)
			if report != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "subjects read per page (default RECONCILE_PAGE_SIZE)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "subjects checked in parallel (default RECONCILE_CONCURRENCY)")
	return cmd
}

// reconcileJob assembles the sweep from the engine container
func (a *app) reconcileJob(ctx context.Context, opts reconcile.Options) (*reconcile.Job, error) {
	ctx, err := a.inject(ctx)
	if err != nil {
		return nil, err
	}
	ctx, store, err := ectoinject.GetContext[recordstore.SubjectStore](ctx)
	if err != nil {
		return nil, err
	}
	ctx, service, err := ectoinject.GetContext[*matching.Service](ctx)
	if err != nil {
		return nil, err
	}
	ctx, configs, err := ectoinject.GetContext[matching.ConfigSource](ctx)
	if err != nil {
		return nil, err
	}
	_, logger, err := ectoinject.GetContext[ectologger.Logger](ctx)
	if err != nil {
		return nil, err
	}
	return reconcile.NewJob(store, service, configs, opts, logger), nil
}
