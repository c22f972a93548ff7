package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"obddash/pkg/domain"
)

const vehicleColumns = `id, project_id, vin, make, model, year, protocol, notes, created_at, updated_at`

func scanVehicle(row interface{ Scan(...any) error }) (domain.Vehicle, error) {
	var v domain.Vehicle
	var created, updated int64
	if err := row.Scan(&v.ID, &v.ProjectID, &v.VIN, &v.Make, &v.Model, &v.Year, &v.Protocol, &v.Notes, &created, &updated); err != nil {
		return domain.Vehicle{}, err
	}
	v.CreatedAt = fromMillis(created)
	v.UpdatedAt = fromMillis(updated)
	return v, nil
}

func (s *Store) CreateVehicle(ctx context.Context, v domain.Vehicle) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.exists(ctx, tx, "projects", v.ProjectID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityProject, ID: v.ProjectID}
		}
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO vehicles(`+vehicleColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			v.ID, v.ProjectID, v.VIN, v.Make, v.Model, v.Year, v.Protocol, v.Notes, toMillis(v.CreatedAt), toMillis(v.UpdatedAt))
		if err != nil {
			return s.mapWriteErr(err, domain.EntityVehicle, v.VIN)
		}
		return nil
	})
}

func (s *Store) getVehicle(ctx context.Context, where string, arg string) (domain.Vehicle, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+vehicleColumns+` FROM vehicles WHERE `+where+` = ?`), arg)
	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Vehicle{}, domain.ErrNotFound{Entity: domain.EntityVehicle, ID: arg}
	}
	if err != nil {
		return domain.Vehicle{}, fmt.Errorf("select vehicle: %w", err)
	}
	return v, nil
}

func (s *Store) GetVehicle(ctx context.Context, id string) (domain.Vehicle, error) {
	return s.getVehicle(ctx, "id", id)
}

func (s *Store) GetVehicleByVIN(ctx context.Context, vin string) (domain.Vehicle, error) {
	return s.getVehicle(ctx, "vin", vin)
}

func (s *Store) ListVehicles(ctx context.Context, projectID string) ([]domain.Vehicle, error) {
	query := `SELECT ` + vehicleColumns + ` FROM vehicles`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY vin`
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select vehicles: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.Vehicle, 0)
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vehicles: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateVehicle(ctx context.Context, v domain.Vehicle) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.exists(ctx, tx, "projects", v.ProjectID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityProject, ID: v.ProjectID}
		}
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`UPDATE vehicles SET project_id = ?, vin = ?, make = ?, model = ?, year = ?, protocol = ?, notes = ?, updated_at = ? WHERE id = ?`),
			v.ProjectID, v.VIN, v.Make, v.Model, v.Year, v.Protocol, v.Notes, toMillis(v.UpdatedAt), v.ID)
		if err != nil {
			return s.mapWriteErr(err, domain.EntityVehicle, v.VIN)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound{Entity: domain.EntityVehicle, ID: v.ID}
		}
		return nil
	})
}

func (s *Store) DeleteVehicle(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM readings WHERE vehicle_id = ?`,
			`DELETE FROM fault_codes WHERE vehicle_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(stmt), id); err != nil {
				return fmt.Errorf("delete vehicle children: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM vehicles WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete vehicle: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound{Entity: domain.EntityVehicle, ID: id}
		}
		return nil
	})
}
