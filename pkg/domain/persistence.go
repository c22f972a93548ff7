package domain

import (
	"context"
	"time"
)

// FaultFilter narrows a fault code listing. Zero values match everything and
// a non-positive Limit returns all matching rows.
type FaultFilter struct {
	VehicleID string
	ProjectID string
	Status    FaultStatus
	System    System
	Severity  Severity
	Search    string
	Limit     int
	Offset    int
}

// ReadingQuery selects telemetry for one vehicle. Parameter is optional and
// the time window is inclusive of From and exclusive of To.
type ReadingQuery struct {
	VehicleID string
	Parameter string
	From      time.Time
	To        time.Time
	Limit     int
}

// FaultMerge builds the fault code row to store from the current one, or from
// nil on a first sighting. Stores may call it more than once when they lose a
// race for the key, so it must not have side effects.
type FaultMerge func(existing *FaultCode) (FaultCode, error)

// PersistentStore is the durable backend contract shared by the memory, SQLite
// and Postgres implementations. Missing rows surface as ErrNotFound and
// uniqueness violations as ErrConflict.
type PersistentStore interface {
	CreateProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	UpdateProject(ctx context.Context, p Project) error
	DeleteProject(ctx context.Context, id string) error

	CreateVehicle(ctx context.Context, v Vehicle) error
	GetVehicle(ctx context.Context, id string) (Vehicle, error)
	GetVehicleByVIN(ctx context.Context, vin string) (Vehicle, error)
	ListVehicles(ctx context.Context, projectID string) ([]Vehicle, error)
	UpdateVehicle(ctx context.Context, v Vehicle) error
	// DeleteVehicle removes the vehicle together with its readings and fault codes.
	DeleteVehicle(ctx context.Context, id string) error

	CreateFaultCode(ctx context.Context, f FaultCode) error
	GetFaultCode(ctx context.Context, id string) (FaultCode, error)
	FindFaultCode(ctx context.Context, vehicleID, code string) (FaultCode, error)
	// UpsertFaultCode reads the (vehicle, code) row and stores what merge
	// returns in one atomic step. The key fields are kept from the arguments.
	UpsertFaultCode(ctx context.Context, vehicleID, code string, merge FaultMerge) (FaultCode, error)
	// UpdateFaultCode applies fn to the stored row and writes the result
	// atomically. ID, vehicle and code cannot change.
	UpdateFaultCode(ctx context.Context, id string, fn func(FaultCode) (FaultCode, error)) (FaultCode, error)
	// ListFaultCodes returns matches ordered by LastSeen descending, then code.
	ListFaultCodes(ctx context.Context, filter FaultFilter) ([]FaultCode, error)

	InsertReadings(ctx context.Context, readings []Reading) error
	// QueryReadings returns matches ordered by RecordedAt ascending.
	QueryReadings(ctx context.Context, q ReadingQuery) ([]Reading, error)
	// LatestReadings returns the newest reading of each parameter ordered by parameter key.
	LatestReadings(ctx context.Context, vehicleID string) ([]Reading, error)
	DeleteReadingsBefore(ctx context.Context, before time.Time) (int64, error)

	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	// UpdateUser applies fn to the stored row and writes the result atomically.
	// A change that would leave no enabled admin fails with LastAdminConflict.
	UpdateUser(ctx context.Context, id string, fn func(User) (User, error)) (User, error)
	// DeleteUser refuses to remove the last enabled admin.
	DeleteUser(ctx context.Context, id string) error

	Close() error
}
