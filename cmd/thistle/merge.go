package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Gobusters/ectoinject"
	"github.com/spf13/cobra"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/merging"
)

func newMergeCmd() *cobra.Command {
	var (
		master     int64
		duplicates string
		keep       map[string]string
		actor      string
	)

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge duplicate subjects into a master record",
		Example: `  thistle merge --master 12 --duplicates 40,41
  thistle merge --master 12 --duplicates 40 --keep contact_phone=40 --actor jane`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			duplicateIDs, err := parseIDs(duplicates)
			if err != nil {
				return err
			}
			overrides, err := parseOverrides(keep)
			if err != nil {
				return err
			}

			a, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := appctx.SetActor(cmd.Context(), actor)
			s, err := a.start(ctx, a.coreDependencies()...)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop(cmd.Context()) }()

			ctx, err = a.inject(ctx)
			if err != nil {
				return err
			}
			ctx, planner, err := ectoinject.GetContext[*merging.Planner](ctx)
			if err != nil {
				return err
			}
			ctx, executor, err := ectoinject.GetContext[*merging.Executor](ctx)
			if err != nil {
				return err
			}

			plan, err := planner.PlanMerge(ctx, master, duplicateIDs, overrides)
			if err != nil {
				return fmt.Errorf("%s", errors.UserMessage(err))
			}
			result, err := executor.ExecuteMerge(ctx, plan)
			if err != nil {
				return fmt.Errorf("%s", errors.UserMessage(err))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().Int64Var(&master, "master", 0, "id of the surviving subject")
	cmd.Flags().StringVar(&duplicates, "duplicates", "", "comma separated ids of the subjects to absorb")
	cmd.Flags().StringToStringVar(&keep, "keep", nil, "field=subject_id pairs choosing whose value a field keeps")
	cmd.Flags().StringVar(&actor, "actor", "", "who is performing the merge")
	_ = cmd.MarkFlagRequired("master")
	_ = cmd.MarkFlagRequired("duplicates")
	return cmd
}

func newDismissCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "dismiss <subject-id> <subject-id>",
		Short: "Record that two flagged subjects are not duplicates",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[0] + "," + args[1])
			if err != nil {
				return err
			}

			a, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := appctx.SetActor(cmd.Context(), actor)
			s, err := a.start(ctx, a.coreDependencies()...)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop(cmd.Context()) }()

			ctx, err = a.inject(ctx)
			if err != nil {
				return err
			}
			ctx, service, err := ectoinject.GetContext[*matching.Service](ctx)
			if err != nil {
				return err
			}

			if err := service.DismissAsNotDuplicate(ctx, ids[0], ids[1]); err != nil {
				return fmt.Errorf("%s", errors.UserMessage(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subjects %d and %d are no longer linked\n", ids[0], ids[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who is dismissing the pair")
	return cmd
}

// parseOverrides turns field=subject_id flags into planner overrides
func parseOverrides(keep map[string]string) (map[string]int64, error) {
	if len(keep) == 0 {
		return nil, nil
	}
	overrides := make(map[string]int64, len(keep))
	for field, raw := range keep {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid subject id %q for field %s", raw, field)
		}
		overrides[field] = id
	}
	return overrides, nil
}
