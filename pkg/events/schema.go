package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/models"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// EventType defines the type of event
type EventType string

const (
	EventTypeMergeCompleted            EventType = "subject.merge_completed"
	EventTypePotentialDuplicateFlagged EventType = "subject.potential_duplicate_flagged"
	EventTypeDuplicateDismissed        EventType = "subject.duplicate_dismissed"
)

// Event is implemented by every domain event
type Event interface {
	Base() BaseEvent
	// Key orders events for one subject on the same partition
	Key() string
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Actor         string    `json:"actor,omitempty"`
}

func newBase(ctx context.Context, eventType EventType, at time.Time) BaseEvent {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return BaseEvent{
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		EventID:       uuid.NewString(),
		Timestamp:     at,
		CorrelationID: appctx.GetCorrelationID(ctx),
		Actor:         appctx.GetActor(ctx),
	}
}

// MergeCompletedEvent is emitted once a merge has committed
type MergeCompletedEvent struct {
	BaseEvent
	MergeID                string                   `json:"merge_id"`
	MasterID               int64                    `json:"master_id"`
	DuplicateIDs           []int64                  `json:"duplicate_ids"`
	FieldConflictsResolved []models.FieldResolution `json:"field_conflicts_resolved"`
	ReparentedChildren     map[string]int64         `json:"reparented_children,omitempty"`
	Notes                  []string                 `json:"notes,omitempty"`
}

func (e *MergeCompletedEvent) Base() BaseEvent { return e.BaseEvent }
func (e *MergeCompletedEvent) Key() string     { return keyFor(e.MasterID) }

// NewMergeCompleted builds the event for a committed merge result
func NewMergeCompleted(ctx context.Context, result *models.MergeResult) *MergeCompletedEvent {
	return &MergeCompletedEvent{
		BaseEvent:              newBase(ctx, EventTypeMergeCompleted, result.CompletedAt),
		MergeID:                result.MergeID,
		MasterID:               result.MasterID,
		DuplicateIDs:           result.DuplicateIDs,
		FieldConflictsResolved: result.FieldConflictsResolved,
		ReparentedChildren:     result.ReparentedChildren,
		Notes:                  result.Notes,
	}
}

// PotentialDuplicateFlaggedEvent is emitted when the write path links a subject to candidates
type PotentialDuplicateFlaggedEvent struct {
	BaseEvent
	SubjectID  int64                   `json:"subject_id"`
	Candidates []models.CandidateMatch `json:"candidates"`
}

func (e *PotentialDuplicateFlaggedEvent) Base() BaseEvent { return e.BaseEvent }
func (e *PotentialDuplicateFlaggedEvent) Key() string     { return keyFor(e.SubjectID) }

func NewPotentialDuplicateFlagged(ctx context.Context, subjectID int64, candidates []models.CandidateMatch) *PotentialDuplicateFlaggedEvent {
	return &PotentialDuplicateFlaggedEvent{
		BaseEvent:  newBase(ctx, EventTypePotentialDuplicateFlagged, time.Time{}),
		SubjectID:  subjectID,
		Candidates: candidates,
	}
}

// DuplicateDismissedEvent is emitted when a reviewer marks two subjects as distinct
type DuplicateDismissedEvent struct {
	BaseEvent
	SubjectID int64 `json:"subject_id"`
	OtherID   int64 `json:"other_id"`
	// Reverted lists subjects whose status returned from potential_duplicate
	Reverted map[int64]models.SubjectStatus `json:"reverted,omitempty"`
}

func (e *DuplicateDismissedEvent) Base() BaseEvent { return e.BaseEvent }
func (e *DuplicateDismissedEvent) Key() string     { return keyFor(e.SubjectID) }

func NewDuplicateDismissed(ctx context.Context, a, b int64, reverted map[int64]models.SubjectStatus) *DuplicateDismissedEvent {
	return &DuplicateDismissedEvent{
		BaseEvent: newBase(ctx, EventTypeDuplicateDismissed, time.Time{}),
		SubjectID: a,
		OtherID:   b,
		Reverted:  reverted,
	}
}
