package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It backs the ask
// command and tests that do not need SQLite.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[EntityRef]Entity
	turns    map[EntityRef][]Turn
	turnIDs  map[string]struct{}
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[EntityRef]Entity),
		turns:    make(map[EntityRef][]Turn),
		turnIDs:  make(map[string]struct{}),
		now:      time.Now,
	}
}

// PutEntity creates or replaces an entity, bumping its version.
func (m *MemoryStore) PutEntity(_ context.Context, e Entity) (Entity, error) {
	if err := validateEntity(e); err != nil {
		return Entity{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.entities[e.Ref]
	e.Fields = maps.Clone(e.Fields)
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.Version = prev.Version + 1
	e.UpdatedAt = m.now().UTC()
	m.entities[e.Ref] = e
	return cloneEntity(e), nil
}

// GetLatestEntity returns the current state of ref.
func (m *MemoryStore) GetLatestEntity(_ context.Context, ref EntityRef) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[ref]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return cloneEntity(e), nil
}

// ListSiblings returns the entities related to ref: the other tasks in
// the same project for a task, or the tasks of a project.
func (m *MemoryStore) ListSiblings(_ context.Context, ref EntityRef) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	self, ok := m.entities[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	projectID := self.ProjectID
	if ref.Kind == KindProject {
		projectID = ref.ID
	}
	if projectID == "" {
		return nil, nil
	}

	var out []Entity
	for r, e := range m.entities {
		if r.Kind == KindTask && r != ref && e.ProjectID == projectID {
			out = append(out, cloneEntity(e))
		}
	}
	slices.SortFunc(out, compareEntities)
	return out, nil
}

// PatchEntityFields merges fields into the latest state of ref.
func (m *MemoryStore) PatchEntityFields(_ context.Context, ref EntityRef, fields map[string]any) error {
	if err := checkFields(ref.Kind, fields); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	e.Fields = merge(e.Fields, fields)
	e.Version++
	e.UpdatedAt = m.now().UTC()
	m.entities[ref] = e
	return nil
}

// AppendTurn adds a turn to the conversation of ref.
func (m *MemoryStore) AppendTurn(_ context.Context, ref EntityRef, t Turn) error {
	if err := validateTurn(ref, t); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.turnIDs[t.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTurn, t.ID)
	}
	t.Ref = ref
	t.Parts = slices.Clone(t.Parts)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now().UTC()
	}
	m.turnIDs[t.ID] = struct{}{}
	m.turns[ref] = append(m.turns[ref], t)
	return nil
}

// ListTurns returns the full conversation of ref, oldest first.
func (m *MemoryStore) ListTurns(_ context.Context, ref EntityRef) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.turns[ref]), nil
}

func cloneEntity(e Entity) Entity {
	e.Fields = maps.Clone(e.Fields)
	return e
}

func compareEntities(a, b Entity) int {
	return strings.Compare(a.Ref.String(), b.Ref.String())
}
