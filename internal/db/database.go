package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/db/migrations"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

// Database is the sqlite-backed project store.
type Database struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Database)(nil)

func New(dbPath string, logger *zap.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// WAL for concurrent readers; foreign keys must be enabled per connection
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", dbPath))
	return &Database{db: db, now: time.Now}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SchemaVersion reports the applied migration version.
func (d *Database) SchemaVersion() (uint, bool, error) {
	return migrations.Version(d.db)
}

// Project operations

func (d *Database) Find(ctx context.Context, projectID string) (*store.Project, error) {
	return d.load(ctx, d.db, "p.id = ?", projectID)
}

func (d *Database) FindBySecretCode(ctx context.Context, code string) (*store.Project, error) {
	if code == "" {
		return nil, store.ErrNotFound
	}
	return d.load(ctx, d.db, "p.secret_code = ?", code)
}

func (d *Database) Create(ctx context.Context, p *store.Project) error {
	now := d.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, description, owner, secret_code, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		`, p.ID, p.Name, p.Description, p.Owner, p.SecretCode, p.CreatedAt.UTC(), p.UpdatedAt)
		if err != nil {
			return mapConstraint(err)
		}
		if err := insertCollaborators(ctx, tx, p.ID, p.Collaborators); err != nil {
			return err
		}
		return insertFiles(ctx, tx, p.ID, p.Files)
	})
}

func (d *Database) Save(ctx context.Context, p *store.Project) error {
	p.UpdatedAt = d.now().UTC()

	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE projects
			SET name = ?, description = ?, owner = ?, secret_code = NULLIF(?, ''), updated_at = ?
			WHERE id = ?
		`, p.Name, p.Description, p.Owner, p.SecretCode, p.UpdatedAt, p.ID)
		if err != nil {
			return mapConstraint(err)
		}
		if err := requireRow(res); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM project_collaborators WHERE project_id = ?", p.ID); err != nil {
			return err
		}
		if err := insertCollaborators(ctx, tx, p.ID, p.Collaborators); err != nil {
			return err
		}
		return replaceFiles(ctx, tx, p.ID, p.Files)
	})
}

func (d *Database) UpdateFiles(ctx context.Context, projectID string, files []store.File) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE projects SET updated_at = ? WHERE id = ?",
			d.now().UTC(), projectID,
		)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return replaceFiles(ctx, tx, projectID, files)
	})
}

func (d *Database) Delete(ctx context.Context, projectID string) error {
	res, err := d.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", projectID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (d *Database) ListByMember(ctx context.Context, identity string) ([]*store.Project, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DISTINCT p.id, p.updated_at FROM projects p
		LEFT JOIN project_collaborators c ON c.project_id = p.id
		WHERE p.owner = ? OR c.identity = ?
		ORDER BY p.updated_at DESC
	`, identity, identity)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		var updated time.Time
		if err := rows.Scan(&id, &updated); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	projects := make([]*store.Project, 0, len(ids))
	for _, id := range ids {
		p, err := d.Find(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// Stats

func (d *Database) CountProjects(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects").Scan(&count)
	return count, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (d *Database) load(ctx context.Context, q queryer, where string, arg any) (*store.Project, error) {
	row := q.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.description, p.owner, p.secret_code, p.created_at, p.updated_at
		FROM projects p WHERE `+where, arg)

	var p store.Project
	var secret sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Owner, &secret, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.SecretCode = secret.String

	rows, err := q.QueryContext(ctx,
		"SELECT identity FROM project_collaborators WHERE project_id = ? ORDER BY position ASC",
		p.ID,
	)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			rows.Close()
			return nil, err
		}
		p.Collaborators = append(p.Collaborators, identity)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx,
		"SELECT id, name, path, content FROM project_files WHERE project_id = ? ORDER BY position ASC",
		p.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var f store.File
		if err := rows.Scan(&f.ID, &f.Name, &f.Path, &f.Content); err != nil {
			return nil, err
		}
		p.Files = append(p.Files, f)
	}
	return &p, rows.Err()
}

func (d *Database) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertCollaborators(ctx context.Context, tx *sql.Tx, projectID string, identities []string) error {
	for i, identity := range identities {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO project_collaborators (project_id, identity, position) VALUES (?, ?, ?)",
			projectID, identity, i,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func replaceFiles(ctx context.Context, tx *sql.Tx, projectID string, files []store.File) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM project_files WHERE project_id = ?", projectID); err != nil {
		return err
	}
	return insertFiles(ctx, tx, projectID, files)
}

func insertFiles(ctx context.Context, tx *sql.Tx, projectID string, files []store.File) error {
	for i, f := range files {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO project_files (project_id, id, position, name, path, content)
			VALUES (?, ?, ?, ?, ?, ?)
		`, projectID, f.ID, i, f.Name, f.Path, f.Content)
		if err != nil {
			return err
		}
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// modernc reports constraint violations only through the message text.
func mapConstraint(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: projects.secret_code"):
		return store.ErrSecretCodeTaken
	case strings.Contains(msg, "UNIQUE constraint failed: projects.id"):
		return store.ErrProjectExists
	}
	return err
}
