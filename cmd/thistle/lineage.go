package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/pkg/graph"
)

func newLineageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <master-id>",
		Short: "List every subject merged into a master, including through chains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[0])
			if err != nil {
				return err
			}
			if len(ids) != 1 {
				return fmt.Errorf("expected one subject id")
			}

			a, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			if !a.cfg.GraphEnabled {
				return fmt.Errorf("lineage needs the graph database; set GRAPH_ENABLED=true")
			}
			s, err := a.start(cmd.Context(), a.graphDependency())
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop(cmd.Context()) }()

			absorbed, err := graph.NewLineageQuery(a.graph).AbsorbedBy(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"master_id": ids[0],
				"absorbed":  absorbed,
			})
		},
	}
}
