package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/review"
)

type reviewOutput struct {
	SubjectID  int64                    `json:"subject_id"`
	Candidates []models.CandidateMatch  `json:"candidates"`
	Truncated  bool                     `json:"truncated"`
	Selected   *int64                   `json:"selected,omitempty"`
	Comparison []review.FieldComparison `json:"comparison,omitempty"`
}

func newReviewCmd() *cobra.Command {
	var compare int64

	cmd := &cobra.Command{
		Use:   "review <subject-id>",
		Short: "List the ranked duplicate candidates of a subject",
		Example: `  thistle review 12
  thistle review 12 --compare 40`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[0])
			if err != nil {
				return err
			}
			if len(ids) != 1 {
				return fmt.Errorf("review takes one subject id")
			}

			a, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			s, err := a.start(ctx, a.coreDependencies()...)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop(cmd.Context()) }()

			ctx, err = a.inject(ctx)
			if err != nil {
				return err
			}
			session, err := review.Open(ctx, ids[0])
			if err != nil {
				return fmt.Errorf("%s", review.UserMessage(err))
			}

			out := reviewOutput{
				SubjectID:  session.Primary().ID,
				Candidates: session.Candidates(),
				Truncated:  session.Truncated(),
			}
			if compare != 0 {
				if err := session.Select(ctx, compare); err != nil {
					return fmt.Errorf("%s", review.UserMessage(err))
				}
				rows, err := session.Compare()
				if err != nil {
					return fmt.Errorf("%s", review.UserMessage(err))
				}
				out.Selected = &compare
				out.Comparison = rows
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().Int64Var(&compare, "compare", 0, "candidate id to compare field by field")
	return cmd
}
