package core

import (
	"context"
	"strings"
	"time"

	"obddash/pkg/domain"
)

// CreateProject validates and persists a new project.
func (s *Service) CreateProject(ctx context.Context, p domain.Project) (out domain.Project, err error) {
	defer s.observe(ctx, "create_project", time.Now(), &err)
	now := s.Now()
	p.ID = s.newID()
	p.Name = strings.TrimSpace(p.Name)
	p.Owner = strings.TrimSpace(p.Owner)
	p.CreatedAt, p.UpdatedAt = now, now
	if err = p.Validate(); err != nil {
		return domain.Project{}, err
	}
	if err = s.store.CreateProject(ctx, p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// GetProject loads a project by ID.
func (s *Service) GetProject(ctx context.Context, id string) (out domain.Project, err error) {
	defer s.observe(ctx, "get_project", time.Now(), &err)
	return s.store.GetProject(ctx, id)
}

// ListProjects returns every project ordered by name.
func (s *Service) ListProjects(ctx context.Context) (out []domain.Project, err error) {
	defer s.observe(ctx, "list_projects", time.Now(), &err)
	return s.store.ListProjects(ctx)
}

// UpdateProject applies mutator to the stored project and persists the result.
// The ID and creation time cannot be changed.
func (s *Service) UpdateProject(ctx context.Context, id string, mutator func(*domain.Project) error) (out domain.Project, err error) {
	defer s.observe(ctx, "update_project", time.Now(), &err)
	current, err := s.store.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	next := current
	if err = mutator(&next); err != nil {
		return domain.Project{}, err
	}
	next.ID, next.CreatedAt = current.ID, current.CreatedAt
	next.Name = strings.TrimSpace(next.Name)
	next.UpdatedAt = s.Now()
	if err = next.Validate(); err != nil {
		return domain.Project{}, err
	}
	if err = s.store.UpdateProject(ctx, next); err != nil {
		return domain.Project{}, err
	}
	return next, nil
}

// DeleteProject removes an empty project. Projects with vehicles are a conflict.
func (s *Service) DeleteProject(ctx context.Context, id string) (err error) {
	defer s.observe(ctx, "delete_project", time.Now(), &err)
	return s.store.DeleteProject(ctx, id)
}
