package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"obddash/internal/auth"
	"obddash/internal/infra/persistence/memory"
	"obddash/pkg/domain"
)

// slowReads widens the window between a lookup and the following write the
// way a database round trip does.
type slowReads struct {
	*memory.Store
}

func (s slowReads) FindFaultCode(ctx context.Context, vehicleID, code string) (domain.FaultCode, error) {
	time.Sleep(5 * time.Millisecond)
	return s.Store.FindFaultCode(ctx, vehicleID, code)
}

func (s slowReads) GetUser(ctx context.Context, id string) (domain.User, error) {
	time.Sleep(5 * time.Millisecond)
	return s.Store.GetUser(ctx, id)
}

func (s slowReads) ListUsers(ctx context.Context) ([]domain.User, error) {
	time.Sleep(5 * time.Millisecond)
	return s.Store.ListUsers(ctx)
}

func newSlowService() *Service {
	return NewService(slowReads{memory.NewStore()}, WithPasswordHasher(auth.NewBcryptHasher(bcrypt.MinCost)))
}

func TestRecordFaultCodesConcurrentSightingsAllCount(t *testing.T) {
	svc := newSlowService()
	ctx := context.Background()
	p, err := svc.CreateProject(ctx, domain.Project{Name: "Fleet"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	v, err := svc.CreateVehicle(ctx, domain.Vehicle{ProjectID: p.ID, VIN: vinA})
	if err != nil {
		t.Fatalf("CreateVehicle: %v", err)
	}

	const reporters = 10
	var wg sync.WaitGroup
	for range reporters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RecordFaultCodes(ctx, v.ID, []FaultReport{{Code: "P0301"}}, time.Time{}); err != nil {
				t.Errorf("RecordFaultCodes: %v", err)
			}
		}()
	}
	wg.Wait()

	list, err := svc.ListFaultCodes(ctx, domain.FaultFilter{VehicleID: v.ID})
	if err != nil {
		t.Fatalf("ListFaultCodes: %v", err)
	}
	if len(list) != 1 || list[0].Occurrences != reporters {
		t.Fatalf("expected one code seen %d times, got %+v", reporters, list)
	}
}

func TestConcurrentAdminRemovalKeepsOneAdmin(t *testing.T) {
	svc := newSlowService()
	ctx := context.Background()
	var ids []string
	for _, email := range []string{"a@example.com", "b@example.com"} {
		u, err := svc.CreateUser(ctx, NewUser{Email: email, Role: domain.RoleAdmin, Password: "long enough"})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		ids = append(ids, u.ID)
	}

	viewer := domain.RoleViewer
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = svc.DeleteUser(ctx, ids[0])
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = svc.UpdateUser(ctx, ids[1], UserUpdate{Role: &viewer})
	}()
	wg.Wait()

	failed := 0
	for _, err := range errs {
		switch {
		case err == nil:
		case domain.IsConflict(err):
			failed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly one removal to be refused, got %v", errs)
	}
	users, err := svc.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	admins := 0
	for _, u := range users {
		if u.EnabledAdmin() {
			admins++
		}
	}
	if admins != 1 {
		t.Fatalf("expected one enabled admin, got %d", admins)
	}
}
