package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"obddash/pkg/domain"
)

const faultColumns = `f.id, f.vehicle_id, f.code, f.description, f.system, f.status, f.severity, f.occurrences, f.first_seen, f.last_seen, f.cleared_at`

// likeEscaper makes search text match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func scanFault(row interface{ Scan(...any) error }) (domain.FaultCode, error) {
	var f domain.FaultCode
	var system, status, severity string
	var first, last int64
	var cleared sql.NullInt64
	if err := row.Scan(&f.ID, &f.VehicleID, &f.Code, &f.Description, &system, &status, &severity, &f.Occurrences, &first, &last, &cleared); err != nil {
		return domain.FaultCode{}, err
	}
	f.System = domain.System(system)
	f.Status = domain.FaultStatus(status)
	f.Severity = domain.Severity(severity)
	f.FirstSeen = fromMillis(first)
	f.LastSeen = fromMillis(last)
	f.ClearedAt = fromNullMillis(cleared)
	return f, nil
}

func (s *Store) CreateFaultCode(ctx context.Context, f domain.FaultCode) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.exists(ctx, tx, "vehicles", f.VehicleID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityVehicle, ID: f.VehicleID}
		}
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO fault_codes(id, vehicle_id, code, description, system, status, severity, occurrences, first_seen, last_seen, cleared_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			f.ID, f.VehicleID, f.Code, f.Description, string(f.System), string(f.Status), string(f.Severity), f.Occurrences,
			toMillis(f.FirstSeen), toMillis(f.LastSeen), nullMillis(f.ClearedAt))
		if err != nil {
			return s.mapWriteErr(err, domain.EntityFaultCode, f.VehicleID+"/"+f.Code)
		}
		return nil
	})
}

func (s *Store) GetFaultCode(ctx context.Context, id string) (domain.FaultCode, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+faultColumns+` FROM fault_codes f WHERE f.id = ?`), id)
	f, err := scanFault(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FaultCode{}, domain.ErrNotFound{Entity: domain.EntityFaultCode, ID: id}
	}
	if err != nil {
		return domain.FaultCode{}, fmt.Errorf("select fault code: %w", err)
	}
	return f, nil
}

func (s *Store) FindFaultCode(ctx context.Context, vehicleID, code string) (domain.FaultCode, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+faultColumns+` FROM fault_codes f WHERE f.vehicle_id = ? AND f.code = ?`), vehicleID, code)
	f, err := scanFault(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FaultCode{}, domain.ErrNotFound{Entity: domain.EntityFaultCode, ID: vehicleID + "/" + code}
	}
	if err != nil {
		return domain.FaultCode{}, fmt.Errorf("select fault code: %w", err)
	}
	return f, nil
}

// lockFault loads one row for rewriting. A missing row is (nil, nil).
func (s *Store) lockFault(ctx context.Context, tx *sql.Tx, where string, args ...any) (*domain.FaultCode, error) {
	row := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+faultColumns+` FROM fault_codes f WHERE `+where+s.dialect.LockRows), args...)
	f, err := scanFault(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select fault code: %w", err)
	}
	return &f, nil
}

func (s *Store) writeFault(ctx context.Context, tx *sql.Tx, f domain.FaultCode) error {
	return s.execAffecting(ctx, tx, domain.EntityFaultCode, f.ID,
		`UPDATE fault_codes SET description = ?, system = ?, status = ?, severity = ?, occurrences = ?, first_seen = ?, last_seen = ?, cleared_at = ? WHERE id = ?`,
		f.Description, string(f.System), string(f.Status), string(f.Severity), f.Occurrences,
		toMillis(f.FirstSeen), toMillis(f.LastSeen), nullMillis(f.ClearedAt), f.ID)
}

func (s *Store) UpsertFaultCode(ctx context.Context, vehicleID, code string, merge domain.FaultMerge) (out domain.FaultCode, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.exists(ctx, tx, "vehicles", vehicleID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityVehicle, ID: vehicleID}
		}
		existing, err := s.lockFault(ctx, tx, `f.vehicle_id = ? AND f.code = ?`, vehicleID, code)
		if err != nil {
			return err
		}
		if existing == nil {
			f, err := merge(nil)
			if err != nil {
				return err
			}
			f.VehicleID, f.Code = vehicleID, code
			res, err := tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO fault_codes(id, vehicle_id, code, description, system, status, severity, occurrences, first_seen, last_seen, cleared_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (vehicle_id, code) DO NOTHING`),
				f.ID, f.VehicleID, f.Code, f.Description, string(f.System), string(f.Status), string(f.Severity), f.Occurrences,
				toMillis(f.FirstSeen), toMillis(f.LastSeen), nullMillis(f.ClearedAt))
			if err != nil {
				return s.mapWriteErr(err, domain.EntityFaultCode, vehicleID+"/"+code)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 1 {
				out = f
				return nil
			}
			// A concurrent writer inserted the key after the read above.
			if existing, err = s.lockFault(ctx, tx, `f.vehicle_id = ? AND f.code = ?`, vehicleID, code); err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("fault code %s/%s vanished during upsert", vehicleID, code)
			}
		}
		f, err := merge(existing)
		if err != nil {
			return err
		}
		f.ID, f.VehicleID, f.Code = existing.ID, vehicleID, code
		if err := s.writeFault(ctx, tx, f); err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}

func (s *Store) UpdateFaultCode(ctx context.Context, id string, fn func(domain.FaultCode) (domain.FaultCode, error)) (out domain.FaultCode, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.lockFault(ctx, tx, `f.id = ?`, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound{Entity: domain.EntityFaultCode, ID: id}
		}
		f, err := fn(*current)
		if err != nil {
			return err
		}
		f.ID, f.VehicleID, f.Code = current.ID, current.VehicleID, current.Code
		if err := s.writeFault(ctx, tx, f); err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}

func (s *Store) ListFaultCodes(ctx context.Context, filter domain.FaultFilter) ([]domain.FaultCode, error) {
	var where []string
	var args []any
	if filter.VehicleID != "" {
		where = append(where, `f.vehicle_id = ?`)
		args = append(args, filter.VehicleID)
	}
	if filter.ProjectID != "" {
		where = append(where, `v.project_id = ?`)
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		where = append(where, `f.status = ?`)
		args = append(args, string(filter.Status))
	}
	if filter.System != "" {
		where = append(where, `f.system = ?`)
		args = append(args, string(filter.System))
	}
	if filter.Severity != "" {
		where = append(where, `f.severity = ?`)
		args = append(args, string(filter.Severity))
	}
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		pattern := "%" + likeEscaper.Replace(search) + "%"
		where = append(where, `(LOWER(f.code) LIKE ? ESCAPE '\' OR LOWER(f.description) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	query := `SELECT ` + faultColumns + ` FROM fault_codes f JOIN vehicles v ON v.id = f.vehicle_id`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY f.last_seen DESC, f.code ASC, f.vehicle_id ASC`
	limit := filter.Limit
	if limit <= 0 && filter.Offset > 0 {
		limit = math.MaxInt32
	}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, max(filter.Offset, 0))
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select fault codes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.FaultCode, 0)
	for rows.Next() {
		f, err := scanFault(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fault code: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fault codes: %w", err)
	}
	return out, nil
}
