package graph

import (
	"context"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/events"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	RelMergedInto        = "MERGED_INTO"
	RelPossibleDuplicate = "POSSIBLE_DUPLICATE"
)

// Statement is one parameterised Cypher statement
type Statement struct {
	Cypher string
	Params map[string]any
}

// Writer is the part of Client the lineage sink needs
type Writer interface {
	ExecuteWrite(ctx context.Context, statements []Statement) error
}

// LineageSink is an events.Publisher that mirrors merges and duplicate links into the
// graph so lineage can be traversed.
type LineageSink struct {
	writer Writer
	logger ectologger.Logger
}

func NewLineageSink(writer Writer, logger ectologger.Logger) *LineageSink {
	return &LineageSink{
		writer: writer,
		logger: logger,
	}
}

func (s *LineageSink) Publish(ctx context.Context, event events.Event) error {
	ctx, span := tracing.StartSpan(ctx, "graph.LineageSink.Publish")
	defer span.End()

	statements := Statements(event)
	if len(statements) == 0 {
		return nil
	}

	base := event.Base()
	if err := s.writer.ExecuteWrite(ctx, statements); err != nil {
		metrics.RecordEventPublish(string(base.EventType)+".graph", "error")
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": base.EventType,
			"event_id":   base.EventID,
		}).Error("Failed to project event into graph")
		return err
	}
	metrics.RecordEventPublish(string(base.EventType)+".graph", "ok")
	return nil
}

// Statements translates an event into the graph writes that project it
func Statements(event events.Event) []Statement {
	switch e := event.(type) {
	case *events.MergeCompletedEvent:
		return mergeStatements(e)
	case *events.PotentialDuplicateFlaggedEvent:
		return flaggedStatements(e)
	case *events.DuplicateDismissedEvent:
		return []Statement{{
			Cypher: `
		MATCH (a:Subject {id: $a})-[r:POSSIBLE_DUPLICATE]-(b:Subject {id: $b})
		DELETE r
	`,
			Params: map[string]any{"a": e.SubjectID, "b": e.OtherID},
		}}
	}
	return nil
}

func mergeStatements(e *events.MergeCompletedEvent) []Statement {
	statements := []Statement{upsertSubject(e.MasterID, "active")}
	for _, id := range e.DuplicateIDs {
		statements = append(statements,
			upsertSubject(id, "merged_duplicate"),
			Statement{
				Cypher: `
		MATCH (dup:Subject {id: $id})-[p:POSSIBLE_DUPLICATE]-()
		DELETE p
	`,
				Params: map[string]any{"id": id},
			},
			Statement{
				Cypher: `
		MATCH (dup:Subject {id: $duplicate_id})
		MATCH (master:Subject {id: $master_id})
		MERGE (dup)-[r:MERGED_INTO {merge_id: $merge_id}]->(master)
		SET r.merged_at = $merged_at, r.actor = $actor
	`,
				Params: map[string]any{
					"duplicate_id": id,
					"master_id":    e.MasterID,
					"merge_id":     e.MergeID,
					"merged_at":    e.Timestamp.UTC().Format(time.RFC3339),
					"actor":        e.Actor,
				},
			})
	}
	return statements
}

func flaggedStatements(e *events.PotentialDuplicateFlaggedEvent) []Statement {
	statements := []Statement{upsertSubject(e.SubjectID, "")}
	for _, c := range e.Candidates {
		// one undirected edge per pair, stored from the lower id
		a, b := e.SubjectID, c.SubjectID
		if b < a {
			a, b = b, a
		}
		fields := append([]string(nil), c.MatchedFields...)
		sort.Strings(fields)
		statements = append(statements,
			upsertSubject(c.SubjectID, ""),
			Statement{
				Cypher: `
		MATCH (a:Subject {id: $a})
		MATCH (b:Subject {id: $b})
		MERGE (a)-[r:POSSIBLE_DUPLICATE]->(b)
		SET r.score = $score, r.matched_fields = $matched_fields
	`,
				Params: map[string]any{
					"a":              a,
					"b":              b,
					"score":          int64(c.Score),
					"matched_fields": fields,
				},
			})
	}
	return statements
}

func upsertSubject(id int64, status string) Statement {
	if status == "" {
		return Statement{
			Cypher: `MERGE (s:Subject {id: $id})`,
			Params: map[string]any{"id": id},
		}
	}
	return Statement{
		Cypher: `
		MERGE (s:Subject {id: $id})
		SET s.status = $status
	`,
		Params: map[string]any{"id": id, "status": status},
	}
}

// LineageQuery reads the subjects merged into a master, directly or through chains
type LineageQuery struct {
	client *Client
}

func NewLineageQuery(client *Client) *LineageQuery {
	return &LineageQuery{client: client}
}

// AbsorbedBy returns every subject whose lineage ends at masterID
func (q *LineageQuery) AbsorbedBy(ctx context.Context, masterID int64) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.LineageQuery.AbsorbedBy")
	defer span.End()

	ids, err := q.client.ReadInt64s(ctx, Statement{
		Cypher: `
		MATCH (dup:Subject)-[:MERGED_INTO*]->(master:Subject {id: $id})
		RETURN DISTINCT dup.id AS id
	`,
		Params: map[string]any{"id": masterID},
	}, "id")
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
