package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"obddash/pkg/domain"
)

const projectColumns = `id, name, description, owner, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Owner, &created, &updated); err != nil {
		return domain.Project{}, err
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func (s *Store) CreateProject(ctx context.Context, p domain.Project) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO projects(`+projectColumns+`) VALUES(?, ?, ?, ?, ?, ?)`),
		p.ID, p.Name, p.Description, p.Owner, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return s.mapWriteErr(err, domain.EntityProject, p.ID)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, domain.ErrNotFound{Entity: domain.EntityProject, ID: id}
	}
	if err != nil {
		return domain.Project{}, fmt.Errorf("select project: %w", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("select projects: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateProject(ctx context.Context, p domain.Project) error {
	return s.execAffecting(ctx, s.db, domain.EntityProject, p.ID,
		`UPDATE projects SET name = ?, description = ?, owner = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Description, p.Owner, toMillis(p.UpdatedAt), p.ID)
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM vehicles WHERE project_id = ?`), id).Scan(&count); err != nil {
			return fmt.Errorf("count vehicles: %w", err)
		}
		if count > 0 {
			return domain.ErrConflict{Entity: domain.EntityProject, Key: id, Reason: "project still has vehicles"}
		}
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM projects WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound{Entity: domain.EntityProject, ID: id}
		}
		return nil
	})
}
