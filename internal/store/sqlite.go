package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the SQLite database at path with WAL journaling and a busy
// timeout, using the cgo sqlite3 driver.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// SQLiteStore persists turns and entities in SQLite. The caller owns the
// *sql.DB; any database/sql SQLite driver works.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps db and creates the schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		kind        TEXT NOT NULL,
		id          TEXT NOT NULL,
		project_id  TEXT NOT NULL DEFAULT '',
		fields      TEXT NOT NULL,
		version     INTEGER NOT NULL,
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_project ON entities(project_id);

	CREATE TABLE IF NOT EXISTS turns (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		role        TEXT NOT NULL,
		parts       TEXT NOT NULL,
		fallback    INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_entity ON turns(kind, entity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutEntity creates or replaces an entity, bumping its version.
func (s *SQLiteStore) PutEntity(ctx context.Context, e Entity) (Entity, error) {
	if err := validateEntity(e); err != nil {
		return Entity{}, err
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return Entity{}, fmt.Errorf("encode fields: %w", err)
	}
	e.UpdatedAt = s.now().UTC()

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO entities (kind, id, project_id, fields, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			project_id = excluded.project_id,
			fields     = excluded.fields,
			version    = entities.version + 1,
			updated_at = excluded.updated_at
		RETURNING version`,
		string(e.Ref.Kind), e.Ref.ID, e.ProjectID, string(fields), e.UpdatedAt.Format(time.RFC3339Nano),
	).Scan(&e.Version)
	if err != nil {
		return Entity{}, fmt.Errorf("put %s: %w", e.Ref, err)
	}
	return e, nil
}

// GetLatestEntity returns the current state of ref.
func (s *SQLiteStore) GetLatestEntity(ctx context.Context, ref EntityRef) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, id, project_id, fields, version, updated_at
		FROM entities WHERE kind = ? AND id = ?`, string(ref.Kind), ref.ID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("get %s: %w", ref, err)
	}
	return e, nil
}

// ListSiblings returns the other tasks in the same project for a task,
// or the tasks of a project.
func (s *SQLiteStore) ListSiblings(ctx context.Context, ref EntityRef) ([]Entity, error) {
	self, err := s.GetLatestEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	projectID := self.ProjectID
	if ref.Kind == KindProject {
		projectID = ref.ID
	}
	if projectID == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, project_id, fields, version, updated_at
		FROM entities
		WHERE kind = ? AND project_id = ? AND NOT (kind = ? AND id = ?)
		ORDER BY id`, string(KindTask), projectID, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("list siblings of %s: %w", ref, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sibling: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PatchEntityFields merges fields into the latest persisted state of ref
// inside one transaction.
func (s *SQLiteStore) PatchEntityFields(ctx context.Context, ref EntityRef, fields map[string]any) error {
	if err := checkFields(ref.Kind, fields); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT fields FROM entities WHERE kind = ? AND id = ?`, string(ref.Kind), ref.ID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", ref, err)
	}

	var current map[string]any
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return fmt.Errorf("decode fields of %s: %w", ref, err)
	}
	merged, err := json.Marshal(merge(current, fields))
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET fields = ?, version = version + 1, updated_at = ?
		WHERE kind = ? AND id = ?`,
		string(merged), s.now().UTC().Format(time.RFC3339Nano), string(ref.Kind), ref.ID,
	); err != nil {
		return fmt.Errorf("patch %s: %w", ref, err)
	}
	return tx.Commit()
}

// AppendTurn adds a turn to the conversation of ref.
func (s *SQLiteStore) AppendTurn(ctx context.Context, ref EntityRef, t Turn) error {
	if err := validateTurn(ref, t); err != nil {
		return err
	}
	parts, err := json.Marshal(t.Parts)
	if err != nil {
		return fmt.Errorf("encode parts: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, kind, entity_id, role, parts, fallback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, string(ref.Kind), ref.ID, string(t.Role), string(parts), t.Fallback, t.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append turn to %s: %w", ref, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTurn, t.ID)
	}
	return nil
}

// ListTurns returns the full conversation of ref in insertion order.
func (s *SQLiteStore) ListTurns(ctx context.Context, ref EntityRef) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, parts, fallback, created_at
		FROM turns WHERE kind = ? AND entity_id = ?
		ORDER BY rowid`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("list turns of %s: %w", ref, err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t         Turn
			parts     string
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.Role, &parts, &t.Fallback, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(parts), &t.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of turn %s: %w", t.ID, err)
		}
		t.Ref = ref
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (Entity, error) {
	var (
		e         Entity
		fields    string
		updatedAt string
	)
	if err := row.Scan(&e.Ref.Kind, &e.Ref.ID, &e.ProjectID, &fields, &e.Version, &updatedAt); err != nil {
		return Entity{}, err
	}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return Entity{}, fmt.Errorf("decode fields: %w", err)
	}
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return e, nil
}
