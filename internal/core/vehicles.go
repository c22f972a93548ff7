package core

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"obddash/pkg/domain"
)

func normalizeVehicle(v *domain.Vehicle) {
	v.VIN = domain.NormalizeVIN(v.VIN)
	v.ProjectID = strings.TrimSpace(v.ProjectID)
	v.Make = strings.TrimSpace(v.Make)
	v.Model = strings.TrimSpace(v.Model)
	v.Protocol = strings.TrimSpace(v.Protocol)
}

// CreateVehicle validates and persists a vehicle under an existing project.
func (s *Service) CreateVehicle(ctx context.Context, v domain.Vehicle) (out domain.Vehicle, err error) {
	defer s.observe(ctx, "create_vehicle", time.Now(), &err)
	now := s.Now()
	normalizeVehicle(&v)
	v.ID = s.newID()
	v.CreatedAt, v.UpdatedAt = now, now
	if err = v.Validate(now); err != nil {
		return domain.Vehicle{}, err
	}
	if err = s.store.CreateVehicle(ctx, v); err != nil {
		return domain.Vehicle{}, err
	}
	s.log.Info("vehicle registered", zap.String("vehicle_id", v.ID), zap.String("vin", v.VIN))
	return v, nil
}

// GetVehicle loads a vehicle by ID.
func (s *Service) GetVehicle(ctx context.Context, id string) (out domain.Vehicle, err error) {
	defer s.observe(ctx, "get_vehicle", time.Now(), &err)
	return s.store.GetVehicle(ctx, id)
}

// GetVehicleByVIN loads a vehicle by VIN, ignoring case and surrounding space.
func (s *Service) GetVehicleByVIN(ctx context.Context, vin string) (out domain.Vehicle, err error) {
	defer s.observe(ctx, "get_vehicle_by_vin", time.Now(), &err)
	return s.store.GetVehicleByVIN(ctx, domain.NormalizeVIN(vin))
}

// ListVehicles lists vehicles of one project, or all vehicles when projectID is empty.
func (s *Service) ListVehicles(ctx context.Context, projectID string) (out []domain.Vehicle, err error) {
	defer s.observe(ctx, "list_vehicles", time.Now(), &err)
	if projectID != "" {
		if _, err = s.store.GetProject(ctx, projectID); err != nil {
			return nil, err
		}
	}
	return s.store.ListVehicles(ctx, projectID)
}

// UpdateVehicle applies mutator to the stored vehicle and persists the result.
func (s *Service) UpdateVehicle(ctx context.Context, id string, mutator func(*domain.Vehicle) error) (out domain.Vehicle, err error) {
	defer s.observe(ctx, "update_vehicle", time.Now(), &err)
	current, err := s.store.GetVehicle(ctx, id)
	if err != nil {
		return domain.Vehicle{}, err
	}
	next := current
	if err = mutator(&next); err != nil {
		return domain.Vehicle{}, err
	}
	normalizeVehicle(&next)
	next.ID, next.CreatedAt = current.ID, current.CreatedAt
	now := s.Now()
	next.UpdatedAt = now
	if err = next.Validate(now); err != nil {
		return domain.Vehicle{}, err
	}
	if err = s.store.UpdateVehicle(ctx, next); err != nil {
		return domain.Vehicle{}, err
	}
	return next, nil
}

// DeleteVehicle removes a vehicle with its readings and fault codes.
func (s *Service) DeleteVehicle(ctx context.Context, id string) (err error) {
	defer s.observe(ctx, "delete_vehicle", time.Now(), &err)
	return s.store.DeleteVehicle(ctx, id)
}
