package recordstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// ChildRecord is a dependent row held by the in-memory store
type ChildRecord struct {
	ID       int64
	ParentID int64
	// UniqueKey, when set, must be unique per parent (mirrors a composite unique index)
	UniqueKey string
}

type memoryState struct {
	subjects     map[int64]*models.Subject
	children     map[string][]ChildRecord
	associations map[string]map[[2]int64]struct{}
	ledger       []models.MergeResult
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		subjects:     make(map[int64]*models.Subject, len(s.subjects)),
		children:     make(map[string][]ChildRecord, len(s.children)),
		associations: make(map[string]map[[2]int64]struct{}, len(s.associations)),
		ledger:       slices.Clone(s.ledger),
	}
	for id, subject := range s.subjects {
		out.subjects[id] = subject.Clone()
	}
	for k, rows := range s.children {
		out.children[k] = slices.Clone(rows)
	}
	for k, set := range s.associations {
		cp := make(map[[2]int64]struct{}, len(set))
		for pair := range set {
			cp[pair] = struct{}{}
		}
		out.associations[k] = cp
	}
	return out
}

// MemoryStore is an in-process Store. Transactions are serialised and rolled back by
// restoring a snapshot.
type MemoryStore struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state memoryState
	now   func() time.Time
	// failures injects errors by operation name, used to exercise rollback paths
	failures map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			subjects:     make(map[int64]*models.Subject),
			children:     make(map[string][]ChildRecord),
			associations: make(map[string]map[[2]int64]struct{}),
		},
		now:      func() time.Time { return time.Now().UTC() },
		failures: make(map[string]error),
	}
}

// SetClock overrides the clock used for updated_at
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailOn makes op return err until cleared with a nil err. Ops are method names, with
// the collection appended for child operations ("BulkReparent:farms").
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MemoryStore) failure(op string) error {
	return m.failures[op]
}

// Put inserts or replaces a subject
func (m *MemoryStore) Put(subject models.Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = m.now()
	}
	if subject.UpdatedAt.IsZero() {
		subject.UpdatedAt = subject.CreatedAt
	}
	m.state.subjects[subject.ID] = subject.Clone()
}

// AddChild attaches a child row to a relation collection
func (m *MemoryStore) AddChild(collection string, child ChildRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.children[collection] = append(m.state.children[collection], child)
}

// Children returns the child rows of a collection
func (m *MemoryStore) Children(collection string) []ChildRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.state.children[collection])
}

// AddAssociation records owner -> member in an association collection
func (m *MemoryStore) AddAssociation(collection string, owner, member int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.state.associations[collection]
	if !ok {
		set = make(map[[2]int64]struct{})
		m.state.associations[collection] = set
	}
	set[[2]int64{owner, member}] = struct{}{}
}

// Associations returns the members of owner, sorted
func (m *MemoryStore) Associations(collection string, owner int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for pair := range m.state.associations[collection] {
		if pair[0] == owner {
			out = append(out, pair[1])
		}
	}
	slices.Sort(out)
	return out
}

// Ledger returns the stored merge results
func (m *MemoryStore) Ledger() []models.MergeResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.state.ledger)
}

func (m *MemoryStore) Search(ctx context.Context, filter SearchFilter) ([]models.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("Search"); err != nil {
		return nil, err
	}

	out := make([]models.Subject, 0)
	for _, subject := range m.state.subjects {
		if matchesFilter(subject, filter) {
			out = append(out, *subject.Clone())
		}
	}

	switch filter.Order {
	case OrderByIDAsc:
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	default:
		sort.Slice(out, func(i, j int) bool {
			if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
				return out[i].UpdatedAt.After(out[j].UpdatedAt)
			}
			return out[i].ID < out[j].ID
		})
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(subject *models.Subject, filter SearchFilter) bool {
	if subject.ID <= filter.AfterID {
		return false
	}
	if slices.Contains(filter.ExcludeStatuses, subject.Status) {
		return false
	}
	if slices.Contains(filter.ExcludeIDs, subject.ID) {
		return false
	}
	for field, value := range filter.Equals {
		if subject.Attributes[field] != value {
			return false
		}
	}
	return true
}

func (m *MemoryStore) ReadOne(ctx context.Context, id int64) (*models.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ReadOne"); err != nil {
		return nil, err
	}
	subject, ok := m.state.subjects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return subject.Clone(), nil
}

func (m *MemoryStore) ReadMany(ctx context.Context, ids []int64) ([]models.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ReadMany"); err != nil {
		return nil, err
	}
	out := make([]models.Subject, 0, len(ids))
	for _, id := range ids {
		if subject, ok := m.state.subjects[id]; ok {
			out = append(out, *subject.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) BulkUpdate(ctx context.Context, ids []int64, patch models.SubjectPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("BulkUpdate"); err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := m.state.subjects[id]; !ok {
			return fmt.Errorf("subject %d: %w", id, ErrNotFound)
		}
	}
	now := m.now()
	for _, id := range ids {
		subject := m.state.subjects[id]
		if subject.Attributes == nil {
			subject.Attributes = models.Attributes{}
		}
		for field, value := range patch.Attributes {
			subject.Attributes[field] = value
		}
		if patch.Status != nil {
			subject.Status = *patch.Status
		}
		if patch.Active != nil {
			subject.Active = *patch.Active
		}
		if patch.MasterRefID != nil {
			subject.MasterRefID = models.Ptr(*patch.MasterRefID)
		}
		subject.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) LinkDuplicates(ctx context.Context, a, b int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("LinkDuplicates"); err != nil {
		return err
	}
	sa, okA := m.state.subjects[a]
	sb, okB := m.state.subjects[b]
	if !okA || !okB {
		return ErrNotFound
	}
	if !sa.HasDuplicateRef(b) {
		sa.PotentialDuplicateRefs = append(sa.PotentialDuplicateRefs, b)
	}
	if !sb.HasDuplicateRef(a) {
		sb.PotentialDuplicateRefs = append(sb.PotentialDuplicateRefs, a)
	}
	return nil
}

func (m *MemoryStore) UnlinkDuplicates(ctx context.Context, a, b int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UnlinkDuplicates"); err != nil {
		return err
	}
	if sa, ok := m.state.subjects[a]; ok {
		sa.PotentialDuplicateRefs = removeID(sa.PotentialDuplicateRefs, b)
	}
	if sb, ok := m.state.subjects[b]; ok {
		sb.PotentialDuplicateRefs = removeID(sb.PotentialDuplicateRefs, a)
	}
	return nil
}

func (m *MemoryStore) UnlinkAll(ctx context.Context, ids []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UnlinkAll"); err != nil {
		return nil, err
	}
	var neighbours []int64
	for _, id := range ids {
		subject, ok := m.state.subjects[id]
		if !ok {
			continue
		}
		for _, other := range subject.PotentialDuplicateRefs {
			if o, ok := m.state.subjects[other]; ok {
				o.PotentialDuplicateRefs = removeID(o.PotentialDuplicateRefs, id)
			}
			if !slices.Contains(ids, other) && !slices.Contains(neighbours, other) {
				neighbours = append(neighbours, other)
			}
		}
		subject.PotentialDuplicateRefs = nil
	}
	slices.Sort(neighbours)
	return neighbours, nil
}

func (m *MemoryStore) RepointMaster(ctx context.Context, fromIDs []int64, toID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("RepointMaster"); err != nil {
		return nil, err
	}
	var repointed []int64
	for id, subject := range m.state.subjects {
		if subject.MasterRefID != nil && slices.Contains(fromIDs, *subject.MasterRefID) {
			subject.MasterRefID = models.Ptr(toID)
			repointed = append(repointed, id)
		}
	}
	slices.Sort(repointed)
	return repointed, nil
}

func (m *MemoryStore) BulkReparent(ctx context.Context, relation models.ChildRelation, fromIDs []int64, toID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("BulkReparent:" + relation.Collection); err != nil {
		return 0, err
	}
	rows := m.state.children[relation.Collection]
	keys := make(map[string]struct{})
	for _, row := range rows {
		if row.ParentID == toID && row.UniqueKey != "" {
			keys[row.UniqueKey] = struct{}{}
		}
	}
	var moved int64
	for i, row := range rows {
		if !slices.Contains(fromIDs, row.ParentID) {
			continue
		}
		if row.UniqueKey != "" {
			if _, dup := keys[row.UniqueKey]; dup {
				return moved, fmt.Errorf("unique violation on %s (%s)", relation.Collection, row.UniqueKey)
			}
			keys[row.UniqueKey] = struct{}{}
		}
		rows[i].ParentID = toID
		moved++
	}
	return moved, nil
}

func (m *MemoryStore) UnionAssociations(ctx context.Context, relation models.AssociationRelation, fromIDs []int64, toID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UnionAssociations:" + relation.Collection); err != nil {
		return 0, err
	}
	set, ok := m.state.associations[relation.Collection]
	if !ok {
		return 0, nil
	}
	var added int64
	for pair := range set {
		if !slices.Contains(fromIDs, pair[0]) {
			continue
		}
		target := [2]int64{toID, pair[1]}
		if _, exists := set[target]; !exists {
			set[target] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (m *MemoryStore) SaveMergeResult(ctx context.Context, result *models.MergeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("SaveMergeResult"); err != nil {
		return err
	}
	m.state.ledger = append(m.state.ledger, *result)
	return nil
}

func (m *MemoryStore) FindMergeResult(ctx context.Context, masterID int64, duplicateIDs []int64) (*models.MergeResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.state.ledger) - 1; i >= 0; i-- {
		result := m.state.ledger[i]
		if result.MasterID != masterID {
			continue
		}
		covered := true
		for _, id := range duplicateIDs {
			if !slices.Contains(result.DuplicateIDs, id) {
				covered = false
				break
			}
		}
		if covered {
			return &result, nil
		}
	}
	return nil, nil
}

// WithinTx serialises transactions and restores the pre-transaction snapshot when fn fails.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.state.clone()
	m.mu.RUnlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
