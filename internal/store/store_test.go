package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"pgregory.net/rapid"
	_ "modernc.org/sqlite"
)

type testStore interface {
	PutEntity(ctx context.Context, e Entity) (Entity, error)
	GetLatestEntity(ctx context.Context, ref EntityRef) (Entity, error)
	ListSiblings(ctx context.Context, ref EntityRef) ([]Entity, error)
	PatchEntityFields(ctx context.Context, ref EntityRef, fields map[string]any) error
	AppendTurn(ctx context.Context, ref EntityRef, t Turn) error
	ListTurns(ctx context.Context, ref EntityRef) ([]Turn, error)
}

func newSQLite(t testing.TB) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return s
}

func stores(t *testing.T) map[string]testStore {
	t.Helper()
	return map[string]testStore{
		"memory": NewMemoryStore(),
		"sqlite": newSQLite(t),
	}
}

var (
	kitchen = EntityRef{Kind: KindProject, ID: "kitchen-remodel"}
	faucet  = EntityRef{Kind: KindTask, ID: "replace-faucet"}
	tile    = EntityRef{Kind: KindTask, ID: "retile-backsplash"}
	cabinet = EntityRef{Kind: KindTask, ID: "paint-cabinets"}
)

func seed(t *testing.T, s testStore) {
	t.Helper()
	ctx := context.Background()
	for _, e := range []Entity{
		{Ref: kitchen, Fields: map[string]any{"title": "Kitchen remodel", "budget": 5000.0}},
		{Ref: faucet, ProjectID: kitchen.ID, Fields: map[string]any{"title": "Replace faucet", "room": "kitchen"}},
		{Ref: tile, ProjectID: kitchen.ID, Fields: map[string]any{"title": "Retile backsplash"}},
		{Ref: cabinet, ProjectID: kitchen.ID, Fields: map[string]any{"title": "Paint cabinets"}},
		{Ref: EntityRef{Kind: KindTask, ID: "fix-gutter"}, Fields: map[string]any{"title": "Fix gutter"}},
	} {
		if _, err := s.PutEntity(ctx, e); err != nil {
			t.Fatalf("PutEntity(%s): %v", e.Ref, err)
		}
	}
}

func TestEntities(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s)

			got, err := s.GetLatestEntity(ctx, faucet)
			if err != nil {
				t.Fatalf("GetLatestEntity: %v", err)
			}
			if got.Title() != "Replace faucet" || got.ProjectID != kitchen.ID || got.Version != 1 {
				t.Errorf("entity = %+v", got)
			}

			if _, err := s.GetLatestEntity(ctx, EntityRef{Kind: KindTask, ID: "nope"}); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing entity err = %v, want ErrNotFound", err)
			}

			if err := s.PatchEntityFields(ctx, faucet, map[string]any{"status": "in_progress"}); err != nil {
				t.Fatalf("PatchEntityFields: %v", err)
			}
			got, _ = s.GetLatestEntity(ctx, faucet)
			want := map[string]any{"title": "Replace faucet", "room": "kitchen", "status": "in_progress"}
			if diff := cmp.Diff(want, got.Fields); diff != "" {
				t.Errorf("fields after patch (-want +got):\n%s", diff)
			}
			if got.Version != 2 {
				t.Errorf("version = %d, want 2", got.Version)
			}
		})
	}
}

func TestListSiblings(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s)

			sibs, err := s.ListSiblings(ctx, faucet)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{cabinet.ID, tile.ID}, refIDs(sibs)); diff != "" {
				t.Errorf("task siblings (-want +got):\n%s", diff)
			}

			sibs, err = s.ListSiblings(ctx, kitchen)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{cabinet.ID, faucet.ID, tile.ID}, refIDs(sibs)); diff != "" {
				t.Errorf("project tasks (-want +got):\n%s", diff)
			}

			sibs, err = s.ListSiblings(ctx, EntityRef{Kind: KindTask, ID: "fix-gutter"})
			if err != nil || len(sibs) != 0 {
				t.Errorf("standalone task siblings = %v, %v", sibs, err)
			}
		})
	}
}

func TestTurns(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s)
			turns := []Turn{
				{ID: "t1", Role: RoleUser, Parts: []Part{{Text: "The faucet drips."}, {Media: "media://photo-1"}}},
				{ID: "t2", Role: RoleAssistant, Parts: []Part{{Text: "Is it single-handle?"}}},
				{ID: "t3", Role: RoleUser, Parts: []Part{{Text: "Yes."}}},
			}
			for _, tr := range turns {
				if err := s.AppendTurn(ctx, faucet, tr); err != nil {
					t.Fatalf("AppendTurn(%s): %v", tr.ID, err)
				}
			}

			err := s.AppendTurn(ctx, faucet, Turn{ID: "t2", Role: RoleUser, Parts: []Part{{Text: "again"}}})
			if !errors.Is(err, ErrDuplicateTurn) {
				t.Errorf("duplicate AppendTurn err = %v, want ErrDuplicateTurn", err)
			}

			got, err := s.ListTurns(ctx, faucet)
			if err != nil {
				t.Fatal(err)
			}
			opts := cmp.Options{cmpopts.IgnoreFields(Turn{}, "Ref", "CreatedAt")}
			if diff := cmp.Diff(turns, got, opts); diff != "" {
				t.Errorf("turns (-want +got):\n%s", diff)
			}
			if !got[0].HasMedia() || got[1].HasMedia() {
				t.Error("HasMedia mismatch")
			}
			if got[0].Ref != faucet {
				t.Errorf("Ref = %v, want %v", got[0].Ref, faucet)
			}

			other, _ := s.ListTurns(ctx, tile)
			if len(other) != 0 {
				t.Errorf("turns leaked across entities: %v", other)
			}
		})
	}
}

func TestPutEntity_Validation(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			tests := []struct {
				name string
				e    Entity
				want error
			}{
				{"bad kind", Entity{Ref: EntityRef{Kind: "room", ID: "x"}}, ErrInvalidEntity},
				{"no id", Entity{Ref: EntityRef{Kind: KindTask}}, ErrInvalidEntity},
				{"nested project", Entity{Ref: EntityRef{Kind: KindProject, ID: "p"}, ProjectID: "q"}, ErrInvalidEntity},
				{"unknown field", Entity{Ref: faucet, Fields: map[string]any{"budget": 10}}, ErrUnknownField},
			}
			for _, tt := range tests {
				if _, err := s.PutEntity(ctx, tt.e); !errors.Is(err, tt.want) {
					t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
				}
			}
		})
	}
}

// TestPatchEntityFields_OnlyRecognized checks that no sequence of patches
// can leave an entity holding a field outside its recognized set, and
// that a rejected patch changes nothing.
func TestPatchEntityFields_OnlyRecognized(t *testing.T) {
	candidates := append(RecognizedFields(KindTask), "budget", "owner", "__proto__", "", "Title")

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		s := NewMemoryStore()
		if _, err := s.PutEntity(ctx, Entity{Ref: faucet, Fields: map[string]any{"title": "Replace faucet"}}); err != nil {
			rt.Fatal(err)
		}

		steps := rapid.IntRange(1, 8).Draw(rt, "steps")
		for i := range steps {
			keys := rapid.SliceOfN(rapid.SampledFrom(candidates), 1, 4).Draw(rt, fmt.Sprintf("keys%d", i))
			patch := make(map[string]any, len(keys))
			for _, k := range keys {
				patch[k] = rapid.String().Draw(rt, "value")
			}

			before, _ := s.GetLatestEntity(ctx, faucet)
			err := s.PatchEntityFields(ctx, faucet, patch)
			after, _ := s.GetLatestEntity(ctx, faucet)

			if err != nil {
				if !errors.Is(err, ErrUnknownField) {
					rt.Fatalf("unexpected error: %v", err)
				}
				if after.Version != before.Version {
					rt.Fatalf("rejected patch bumped version %d -> %d", before.Version, after.Version)
				}
			}
			for k := range after.Fields {
				if !IsRecognized(KindTask, k) {
					rt.Fatalf("entity holds unrecognized field %q", k)
				}
			}
		}
	})
}

func refIDs(es []Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Ref.ID
	}
	return out
}

func TestPatchableFields(t *testing.T) {
	got := PatchableFields(KindTask)
	for _, f := range got {
		if f == "steps" || f == "materials" || f == "estimated_cost" {
			t.Errorf("plan-only field %q listed as patchable", f)
		}
	}
	want := []string{"tools (list of strings)", "safety_notes (list of strings)", "title", "status"}
	for _, w := range want {
		if !slices.Contains(got, w) {
			t.Errorf("PatchableFields(task) = %v, missing %q", got, w)
		}
	}
	if diff := cmp.Diff(RecognizedFields(KindProject), PatchableFields(KindProject)); diff != "" {
		t.Errorf("project fields (-want +got):\n%s", diff)
	}
}
