package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"obddash/pkg/domain"
)

// MinPasswordLength is the shortest accepted password, counted in characters.
const MinPasswordLength = 8

// bcrypt ignores everything past 72 bytes.
const maxPasswordBytes = 72

// NewUser is the input for CreateUser.
type NewUser struct {
	Email    string      `json:"email"`
	Name     string      `json:"name"`
	Role     domain.Role `json:"role"`
	Password string      `json:"password"`
}

// UserUpdate changes the given fields; nil fields are left alone.
type UserUpdate struct {
	Name     *string      `json:"name,omitempty"`
	Role     *domain.Role `json:"role,omitempty"`
	Disabled *bool        `json:"disabled,omitempty"`
}

func validatePassword(pw string) error {
	if utf8.RuneCountInString(pw) < MinPasswordLength {
		return domain.ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", MinPasswordLength)}
	}
	if len(pw) > maxPasswordBytes {
		return domain.ValidationError{Field: "password", Message: fmt.Sprintf("must be at most %d bytes", maxPasswordBytes)}
	}
	return nil
}

// CreateUser hashes the password and stores a new account. Emails are
// compared case-insensitively and must be unique. An empty role means viewer.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (out domain.User, err error) {
	defer s.observe(ctx, "create_user", time.Now(), &err)
	if in.Role == "" {
		in.Role = domain.RoleViewer
	}
	if err = validatePassword(in.Password); err != nil {
		return domain.User{}, err
	}
	now := s.Now()
	u := domain.User{
		ID:        s.newID(),
		Email:     domain.NormalizeEmail(in.Email),
		Name:      strings.TrimSpace(in.Name),
		Role:      in.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Validate before hashing; the placeholder only satisfies the hash check.
	check := u
	check.PasswordHash = "-"
	if err = check.Validate(); err != nil {
		return domain.User{}, err
	}
	if u.PasswordHash, err = s.hasher.Hash(in.Password); err != nil {
		return domain.User{}, err
	}
	if err = s.store.CreateUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	s.log.Info("user created", zap.String("user_id", u.ID), zap.String("role", string(u.Role)))
	return u, nil
}

// GetUser loads a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (out domain.User, err error) {
	defer s.observe(ctx, "get_user", time.Now(), &err)
	return s.store.GetUser(ctx, id)
}

// ListUsers returns every account ordered by email.
func (s *Service) ListUsers(ctx context.Context) (out []domain.User, err error) {
	defer s.observe(ctx, "list_users", time.Now(), &err)
	return s.store.ListUsers(ctx)
}

// UpdateUser changes name, role or disabled state. Demoting or disabling the
// last enabled admin is a conflict.
func (s *Service) UpdateUser(ctx context.Context, id string, upd UserUpdate) (out domain.User, err error) {
	defer s.observe(ctx, "update_user", time.Now(), &err)
	return s.store.UpdateUser(ctx, id, func(u domain.User) (domain.User, error) {
		if upd.Name != nil {
			u.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Role != nil {
			u.Role = *upd.Role
		}
		if upd.Disabled != nil {
			u.Disabled = *upd.Disabled
		}
		if err := u.Validate(); err != nil {
			return domain.User{}, err
		}
		u.UpdatedAt = s.Now()
		return u, nil
	})
}

// ResetPassword replaces a user's password.
func (s *Service) ResetPassword(ctx context.Context, id, password string) (err error) {
	defer s.observe(ctx, "reset_password", time.Now(), &err)
	if err = validatePassword(password); err != nil {
		return err
	}
	if _, err = s.store.GetUser(ctx, id); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	_, err = s.store.UpdateUser(ctx, id, func(u domain.User) (domain.User, error) {
		u.PasswordHash = hash
		u.UpdatedAt = s.Now()
		return u, nil
	})
	return err
}

// DeleteUser removes an account. The last enabled admin cannot be deleted.
func (s *Service) DeleteUser(ctx context.Context, id string) (err error) {
	defer s.observe(ctx, "delete_user", time.Now(), &err)
	return s.store.DeleteUser(ctx, id)
}

// dummyHash keeps the unknown-email path as slow as a real comparison.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z7ZJ0Pj0qR0bM0mFZ6pSg4e2"

// Authenticate checks credentials and stamps LastLoginAt. Unknown emails,
// wrong passwords and disabled accounts all yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (out domain.User, err error) {
	defer s.observe(ctx, "authenticate", time.Now(), &err)
	u, err := s.store.GetUserByEmail(ctx, domain.NormalizeEmail(email))
	if domain.IsNotFound(err) {
		_ = s.hasher.Compare(dummyHash, password)
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}
	if cmpErr := s.hasher.Compare(u.PasswordHash, password); cmpErr != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	if u.Disabled {
		return domain.User{}, ErrInvalidCredentials
	}
	now := s.Now()
	u, err = s.store.UpdateUser(ctx, u.ID, func(cur domain.User) (domain.User, error) {
		if cur.Disabled {
			return domain.User{}, ErrInvalidCredentials
		}
		cur.LastLoginAt = &now
		return cur, nil
	})
	if errors.Is(err, ErrInvalidCredentials) {
		return domain.User{}, err
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("stamp last login: %w", err)
	}
	return u, nil
}

// BootstrapAdmin creates the first admin when no users exist yet. It reports
// whether an account was created.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) (out domain.User, created bool, err error) {
	defer s.observe(ctx, "bootstrap_admin", time.Now(), &err)
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return domain.User{}, false, err
	}
	if len(users) > 0 {
		return domain.User{}, false, nil
	}
	if strings.TrimSpace(email) == "" || password == "" {
		return domain.User{}, false, errors.New("bootstrap admin requires email and password")
	}
	out, err = s.CreateUser(ctx, NewUser{Email: email, Name: "Administrator", Role: domain.RoleAdmin, Password: password})
	if err != nil {
		return domain.User{}, false, err
	}
	return out, true, nil
}
