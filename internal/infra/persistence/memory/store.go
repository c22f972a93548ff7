// Package memory provides an in-memory implementation of the persistent store
// used for tests and ephemeral environments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"obddash/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store keeps every entity in process memory guarded by a single RWMutex.
// Returned values are copies; callers cannot mutate stored state.
type Store struct {
	mu        sync.RWMutex
	projects  map[string]domain.Project
	vehicles  map[string]domain.Vehicle
	faults    map[string]domain.FaultCode
	readings  map[string][]domain.Reading
	users     map[string]domain.User
	readingID int64
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		projects: make(map[string]domain.Project),
		vehicles: make(map[string]domain.Vehicle),
		faults:   make(map[string]domain.FaultCode),
		readings: make(map[string][]domain.Reading),
		users:    make(map[string]domain.User),
	}
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

func (s *Store) CreateProject(_ context.Context, p domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return domain.ErrConflict{Entity: domain.EntityProject, Key: p.ID}
	}
	s.projects[p.ID] = p
	return nil
}

func (s *Store) GetProject(_ context.Context, id string) (domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, domain.ErrNotFound{Entity: domain.EntityProject, ID: id}
	}
	return p, nil
}

func (s *Store) ListProjects(_ context.Context) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateProject(_ context.Context, p domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityProject, ID: p.ID}
	}
	s.projects[p.ID] = p
	return nil
}

func (s *Store) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityProject, ID: id}
	}
	for _, v := range s.vehicles {
		if v.ProjectID == id {
			return domain.ErrConflict{Entity: domain.EntityProject, Key: id, Reason: "project still has vehicles"}
		}
	}
	delete(s.projects, id)
	return nil
}

func (s *Store) CreateVehicle(_ context.Context, v domain.Vehicle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[v.ProjectID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityProject, ID: v.ProjectID}
	}
	if _, exists := s.vehicles[v.ID]; exists {
		return domain.ErrConflict{Entity: domain.EntityVehicle, Key: v.ID}
	}
	for _, existing := range s.vehicles {
		if existing.VIN == v.VIN {
			return domain.ErrConflict{Entity: domain.EntityVehicle, Key: v.VIN}
		}
	}
	s.vehicles[v.ID] = v
	return nil
}

func (s *Store) GetVehicle(_ context.Context, id string) (domain.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return domain.Vehicle{}, domain.ErrNotFound{Entity: domain.EntityVehicle, ID: id}
	}
	return v, nil
}

func (s *Store) GetVehicleByVIN(_ context.Context, vin string) (domain.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.vehicles {
		if v.VIN == vin {
			return v, nil
		}
	}
	return domain.Vehicle{}, domain.ErrNotFound{Entity: domain.EntityVehicle, ID: vin}
}

func (s *Store) ListVehicles(_ context.Context, projectID string) ([]domain.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Vehicle, 0)
	for _, v := range s.vehicles {
		if projectID == "" || v.ProjectID == projectID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VIN < out[j].VIN })
	return out, nil
}

func (s *Store) UpdateVehicle(_ context.Context, v domain.Vehicle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[v.ID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityVehicle, ID: v.ID}
	}
	if _, ok := s.projects[v.ProjectID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityProject, ID: v.ProjectID}
	}
	for id, existing := range s.vehicles {
		if id != v.ID && existing.VIN == v.VIN {
			return domain.ErrConflict{Entity: domain.EntityVehicle, Key: v.VIN}
		}
	}
	s.vehicles[v.ID] = v
	return nil
}

func (s *Store) DeleteVehicle(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[id]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityVehicle, ID: id}
	}
	delete(s.vehicles, id)
	delete(s.readings, id)
	for fid, f := range s.faults {
		if f.VehicleID == id {
			delete(s.faults, fid)
		}
	}
	return nil
}

func (s *Store) CreateFaultCode(_ context.Context, f domain.FaultCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[f.VehicleID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityVehicle, ID: f.VehicleID}
	}
	if _, exists := s.faults[f.ID]; exists {
		return domain.ErrConflict{Entity: domain.EntityFaultCode, Key: f.ID}
	}
	for _, existing := range s.faults {
		if existing.VehicleID == f.VehicleID && existing.Code == f.Code {
			return domain.ErrConflict{Entity: domain.EntityFaultCode, Key: f.VehicleID + "/" + f.Code}
		}
	}
	s.faults[f.ID] = cloneFault(f)
	return nil
}

func (s *Store) GetFaultCode(_ context.Context, id string) (domain.FaultCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.faults[id]
	if !ok {
		return domain.FaultCode{}, domain.ErrNotFound{Entity: domain.EntityFaultCode, ID: id}
	}
	return cloneFault(f), nil
}

func (s *Store) FindFaultCode(_ context.Context, vehicleID, code string) (domain.FaultCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.faults {
		if f.VehicleID == vehicleID && f.Code == code {
			return cloneFault(f), nil
		}
	}
	return domain.FaultCode{}, domain.ErrNotFound{Entity: domain.EntityFaultCode, ID: vehicleID + "/" + code}
}

func (s *Store) UpsertFaultCode(_ context.Context, vehicleID, code string, merge domain.FaultMerge) (domain.FaultCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[vehicleID]; !ok {
		return domain.FaultCode{}, domain.ErrNotFound{Entity: domain.EntityVehicle, ID: vehicleID}
	}
	var existing *domain.FaultCode
	for _, f := range s.faults {
		if f.VehicleID == vehicleID && f.Code == code {
			c := cloneFault(f)
			existing = &c
			break
		}
	}
	next, err := merge(existing)
	if err != nil {
		return domain.FaultCode{}, err
	}
	next.VehicleID, next.Code = vehicleID, code
	if existing != nil {
		next.ID = existing.ID
	} else if _, taken := s.faults[next.ID]; taken {
		return domain.FaultCode{}, domain.ErrConflict{Entity: domain.EntityFaultCode, Key: next.ID}
	}
	s.faults[next.ID] = cloneFault(next)
	return cloneFault(next), nil
}

func (s *Store) UpdateFaultCode(_ context.Context, id string, fn func(domain.FaultCode) (domain.FaultCode, error)) (domain.FaultCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.faults[id]
	if !ok {
		return domain.FaultCode{}, domain.ErrNotFound{Entity: domain.EntityFaultCode, ID: id}
	}
	next, err := fn(cloneFault(current))
	if err != nil {
		return domain.FaultCode{}, err
	}
	next.ID, next.VehicleID, next.Code = current.ID, current.VehicleID, current.Code
	s.faults[id] = cloneFault(next)
	return cloneFault(next), nil
}

func (s *Store) ListFaultCodes(_ context.Context, filter domain.FaultFilter) ([]domain.FaultCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := make([]domain.FaultCode, 0)
	for _, f := range s.faults {
		if filter.VehicleID != "" && f.VehicleID != filter.VehicleID {
			continue
		}
		if filter.ProjectID != "" && s.vehicles[f.VehicleID].ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if filter.System != "" && f.System != filter.System {
			continue
		}
		if filter.Severity != "" && f.Severity != filter.Severity {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(f.Code), search) &&
			!strings.Contains(strings.ToLower(f.Description), search) {
			continue
		}
		out = append(out, cloneFault(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].VehicleID < out[j].VehicleID
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *Store) InsertReadings(_ context.Context, readings []domain.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range readings {
		if _, ok := s.vehicles[r.VehicleID]; !ok {
			return domain.ErrNotFound{Entity: domain.EntityVehicle, ID: r.VehicleID}
		}
	}
	for _, r := range readings {
		s.readingID++
		r.ID = s.readingID
		s.readings[r.VehicleID] = append(s.readings[r.VehicleID], r)
	}
	return nil
}

func (s *Store) QueryReadings(_ context.Context, q domain.ReadingQuery) ([]domain.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Reading, 0)
	for _, r := range s.readings[q.VehicleID] {
		if q.Parameter != "" && r.Parameter != q.Parameter {
			continue
		}
		if !q.From.IsZero() && r.RecordedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !r.RecordedAt.Before(q.To) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) LatestReadings(_ context.Context, vehicleID string) ([]domain.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[string]domain.Reading)
	for _, r := range s.readings[vehicleID] {
		cur, ok := latest[r.Parameter]
		if !ok || r.RecordedAt.After(cur.RecordedAt) || (r.RecordedAt.Equal(cur.RecordedAt) && r.ID > cur.ID) {
			latest[r.Parameter] = r
		}
	}
	out := make([]domain.Reading, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Parameter < out[j].Parameter })
	return out, nil
}

func (s *Store) DeleteReadingsBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for vehicleID, list := range s.readings {
		kept := list[:0]
		for _, r := range list {
			if r.RecordedAt.Before(before) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		s.readings[vehicleID] = kept
	}
	return removed, nil
}

func (s *Store) CreateUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.ID]; exists {
		return domain.ErrConflict{Entity: domain.EntityUser, Key: u.ID}
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return domain.ErrConflict{Entity: domain.EntityUser, Key: u.Email}
		}
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound{Entity: domain.EntityUser, ID: id}
	}
	return cloneUser(u), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return domain.User{}, domain.ErrNotFound{Entity: domain.EntityUser, ID: email}
}

func (s *Store) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Store) UpdateUser(_ context.Context, id string, fn func(domain.User) (domain.User, error)) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound{Entity: domain.EntityUser, ID: id}
	}
	next, err := fn(cloneUser(current))
	if err != nil {
		return domain.User{}, err
	}
	next.ID = id
	for other, existing := range s.users {
		if other != id && existing.Email == next.Email {
			return domain.User{}, domain.ErrConflict{Entity: domain.EntityUser, Key: next.Email}
		}
	}
	if current.EnabledAdmin() && !next.EnabledAdmin() && !s.otherEnabledAdmin(id) {
		return domain.User{}, domain.LastAdminConflict(id)
	}
	s.users[id] = cloneUser(next)
	return cloneUser(next), nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityUser, ID: id}
	}
	if u.EnabledAdmin() && !s.otherEnabledAdmin(id) {
		return domain.LastAdminConflict(id)
	}
	delete(s.users, id)
	return nil
}

// otherEnabledAdmin must be called with s.mu held.
func (s *Store) otherEnabledAdmin(id string) bool {
	for other, u := range s.users {
		if other != id && u.EnabledAdmin() {
			return true
		}
	}
	return false
}

func paginate[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return in[:0]
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func cloneFault(f domain.FaultCode) domain.FaultCode {
	if f.ClearedAt != nil {
		t := *f.ClearedAt
		f.ClearedAt = &t
	}
	return f
}

func cloneUser(u domain.User) domain.User {
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		u.LastLoginAt = &t
	}
	return u
}
