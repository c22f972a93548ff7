package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"obddash/pkg/domain"
)

const userColumns = `id, email, name, role, password_hash, disabled, created_at, updated_at, last_login_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	var role string
	var created, updated int64
	var lastLogin sql.NullInt64
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &u.PasswordHash, &u.Disabled, &created, &updated, &lastLogin); err != nil {
		return domain.User{}, err
	}
	u.Role = domain.Role(role)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	u.LastLoginAt = fromNullMillis(lastLogin)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO users(`+userColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		u.ID, u.Email, u.Name, string(u.Role), u.PasswordHash, u.Disabled, toMillis(u.CreatedAt), toMillis(u.UpdatedAt), nullMillis(u.LastLoginAt))
	if err != nil {
		return s.mapWriteErr(err, domain.EntityUser, u.Email)
	}
	return nil
}

func (s *Store) getUser(ctx context.Context, q queryer, column, arg, suffix string) (domain.User, error) {
	row := q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`+suffix), arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound{Entity: domain.EntityUser, ID: arg}
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	return s.getUser(ctx, s.db, "id", id, "")
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return s.getUser(ctx, s.db, "email", email, "")
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// lockEnabledAdmins returns the ids of every enabled admin and, where the
// dialect supports it, holds their rows until the transaction ends. Rows are
// locked in id order before any other user row so concurrent demotions cannot
// deadlock.
func (s *Store) lockEnabledAdmins(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(`SELECT id FROM users WHERE role = ? AND disabled = ? ORDER BY id`+s.dialect.LockRows),
		string(domain.RoleAdmin), false)
	if err != nil {
		return nil, fmt.Errorf("select admins: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan admin: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admins: %w", err)
	}
	return ids, nil
}

func lastAdmin(admins []string, id string) bool {
	return len(admins) == 1 && admins[0] == id
}

func (s *Store) UpdateUser(ctx context.Context, id string, fn func(domain.User) (domain.User, error)) (out domain.User, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		admins, err := s.lockEnabledAdmins(ctx, tx)
		if err != nil {
			return err
		}
		current, err := s.getUser(ctx, tx, "id", id, s.dialect.LockRows)
		if err != nil {
			return err
		}
		u, err := fn(current)
		if err != nil {
			return err
		}
		u.ID = id
		if current.EnabledAdmin() && !u.EnabledAdmin() && lastAdmin(admins, id) {
			return domain.LastAdminConflict(id)
		}
		if err := s.execAffecting(ctx, tx, domain.EntityUser, id,
			`UPDATE users SET email = ?, name = ?, role = ?, password_hash = ?, disabled = ?, updated_at = ?, last_login_at = ? WHERE id = ?`,
			u.Email, u.Name, string(u.Role), u.PasswordHash, u.Disabled, toMillis(u.UpdatedAt), nullMillis(u.LastLoginAt), id); err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		admins, err := s.lockEnabledAdmins(ctx, tx)
		if err != nil {
			return err
		}
		if lastAdmin(admins, id) {
			return domain.LastAdminConflict(id)
		}
		return s.execAffecting(ctx, tx, domain.EntityUser, id, `DELETE FROM users WHERE id = ?`, id)
	})
}
