// Package profile persists per-app policy profiles and reusable templates
// and applies them to the live policy.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// Profile binds an application package to a policy domain and either an
// inline policy or a template reference.
type Profile struct {
	Package   string    `json:"package" validate:"required,package_name"`
	Domain    string    `json:"domain,omitempty" validate:"max=255"`
	Policy    string    `json:"policy,omitempty"`
	Template  string    `json:"template,omitempty" validate:"omitempty,template_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Template is a named policy shared by profiles.
type Template struct {
	ID        string    `json:"id" validate:"required,template_id"`
	Policy    string    `json:"policy"`
	UpdatedAt time.Time `json:"updated_at"`
}

var timeNow = func() time.Time { return time.Now().UTC() }

// Store is the sqlite-backed profile and template table. Profiles refer to
// templates by id only; deleting a template never touches its profiles.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("profile db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, ksuerr.New(ksuerr.IoError, "profile.open", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ksuerr.New(ksuerr.IoError, "profile.open", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS profiles (
			package TEXT PRIMARY KEY,
			domain TEXT NOT NULL DEFAULT '',
			policy TEXT NOT NULL DEFAULT '',
			template TEXT NOT NULL DEFAULT '',
			updated_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_template ON profiles(template);`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			policy TEXT NOT NULL,
			updated_ns INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return ksuerr.New(ksuerr.IoError, "profile.migrate", "", err)
		}
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, pkg string) (Profile, error) {
	var (
		p  = Profile{Package: pkg}
		ns int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT domain, policy, template, updated_ns FROM profiles WHERE package = ?;`, pkg,
	).Scan(&p.Domain, &p.Policy, &p.Template, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ksuerr.Errorf(ksuerr.NotFound, "profile.get", pkg, "no profile")
	}
	if err != nil {
		return Profile{}, ksuerr.New(ksuerr.IoError, "profile.get", pkg, err)
	}
	p.UpdatedAt = time.Unix(0, ns).UTC()
	return p, nil
}

// PutProfile inserts or replaces p.
func (s *Store) PutProfile(ctx context.Context, p Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = timeNow()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles(package, domain, policy, template, updated_ns) VALUES(?,?,?,?,?)
		ON CONFLICT(package) DO UPDATE SET
			domain = excluded.domain,
			policy = excluded.policy,
			template = excluded.template,
			updated_ns = excluded.updated_ns;`,
		p.Package, p.Domain, p.Policy, p.Template, p.UpdatedAt.UnixNano())
	if err != nil {
		return ksuerr.New(ksuerr.IoError, "profile.put", p.Package, err)
	}
	return nil
}

func (s *Store) DeleteProfile(ctx context.Context, pkg string) error {
	return s.deleteRow(ctx, "profile.delete", `DELETE FROM profiles WHERE package = ?;`, pkg)
}

// ListProfiles returns every profile ordered by package.
func (s *Store) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT package, domain, policy, template, updated_ns FROM profiles ORDER BY package;`)
	if err != nil {
		return nil, ksuerr.New(ksuerr.IoError, "profile.list", "", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var (
			p  Profile
			ns int64
		)
		if err := rows.Scan(&p.Package, &p.Domain, &p.Policy, &p.Template, &ns); err != nil {
			return nil, ksuerr.New(ksuerr.IoError, "profile.list", "", err)
		}
		p.UpdatedAt = time.Unix(0, ns).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, ksuerr.New(ksuerr.IoError, "profile.list", "", err)
	}
	return out, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (Template, error) {
	var (
		t  = Template{ID: id}
		ns int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT policy, updated_ns FROM templates WHERE id = ?;`, id,
	).Scan(&t.Policy, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, ksuerr.Errorf(ksuerr.NotFound, "template.get", id, "no template")
	}
	if err != nil {
		return Template{}, ksuerr.New(ksuerr.IoError, "template.get", id, err)
	}
	t.UpdatedAt = time.Unix(0, ns).UTC()
	return t, nil
}

// PutTemplate inserts or replaces t.
func (s *Store) PutTemplate(ctx context.Context, t Template) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = timeNow()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates(id, policy, updated_ns) VALUES(?,?,?)
		ON CONFLICT(id) DO UPDATE SET policy = excluded.policy, updated_ns = excluded.updated_ns;`,
		t.ID, t.Policy, t.UpdatedAt.UnixNano())
	if err != nil {
		return ksuerr.New(ksuerr.IoError, "template.put", t.ID, err)
	}
	return nil
}

// DeleteTemplate removes the template. Profiles that reference it are left
// as they are.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "template.delete", `DELETE FROM templates WHERE id = ?;`, id)
}

// ListTemplates returns every template ordered by id.
func (s *Store) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, policy, updated_ns FROM templates ORDER BY id;`)
	if err != nil {
		return nil, ksuerr.New(ksuerr.IoError, "template.list", "", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var (
			t  Template
			ns int64
		)
		if err := rows.Scan(&t.ID, &t.Policy, &ns); err != nil {
			return nil, ksuerr.New(ksuerr.IoError, "template.list", "", err)
		}
		t.UpdatedAt = time.Unix(0, ns).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, ksuerr.New(ksuerr.IoError, "template.list", "", err)
	}
	return out, nil
}

func (s *Store) deleteRow(ctx context.Context, op, query, key string) error {
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return ksuerr.New(ksuerr.IoError, op, key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ksuerr.Errorf(ksuerr.NotFound, op, key, "not found")
	}
	return nil
}
