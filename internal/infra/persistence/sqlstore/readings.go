package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"obddash/pkg/domain"
)

const readingColumns = `id, vehicle_id, parameter, value, unit, recorded_at`

func scanReading(row interface{ Scan(...any) error }) (domain.Reading, error) {
	var r domain.Reading
	var at int64
	if err := row.Scan(&r.ID, &r.VehicleID, &r.Parameter, &r.Value, &r.Unit, &at); err != nil {
		return domain.Reading{}, err
	}
	r.RecordedAt = fromMillis(at)
	return r, nil
}

func (s *Store) InsertReadings(ctx context.Context, readings []domain.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		checked := make(map[string]struct{})
		for _, r := range readings {
			if _, ok := checked[r.VehicleID]; ok {
				continue
			}
			ok, err := s.exists(ctx, tx, "vehicles", r.VehicleID)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityVehicle, ID: r.VehicleID}
			}
			checked[r.VehicleID] = struct{}{}
		}
		stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`INSERT INTO readings(vehicle_id, parameter, value, unit, recorded_at) VALUES(?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("prepare reading insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, r := range readings {
			if _, err := stmt.ExecContext(ctx, r.VehicleID, r.Parameter, r.Value, r.Unit, toMillis(r.RecordedAt)); err != nil {
				return fmt.Errorf("insert reading: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) QueryReadings(ctx context.Context, q domain.ReadingQuery) ([]domain.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings WHERE vehicle_id = ?`
	args := []any{q.VehicleID}
	if q.Parameter != "" {
		query += ` AND parameter = ?`
		args = append(args, q.Parameter)
	}
	if !q.From.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, toMillis(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND recorded_at < ?`
		args = append(args, toMillis(q.To))
	}
	query += ` ORDER BY recorded_at ASC, id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.queryReadings(ctx, query, args...)
}

func (s *Store) LatestReadings(ctx context.Context, vehicleID string) ([]domain.Reading, error) {
	query := `SELECT r.id, r.vehicle_id, r.parameter, r.value, r.unit, r.recorded_at
		FROM readings r
		JOIN (SELECT parameter, MAX(recorded_at) AS recorded_at FROM readings WHERE vehicle_id = ? GROUP BY parameter) latest
			ON latest.parameter = r.parameter AND latest.recorded_at = r.recorded_at
		WHERE r.vehicle_id = ?
		ORDER BY r.parameter ASC, r.id DESC`
	all, err := s.queryReadings(ctx, query, vehicleID, vehicleID)
	if err != nil {
		return nil, err
	}
	// Rows sharing the newest timestamp collapse to the highest id.
	out := make([]domain.Reading, 0, len(all))
	for _, r := range all {
		if n := len(out); n > 0 && out[n-1].Parameter == r.Parameter {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) DeleteReadingsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM readings WHERE recorded_at < ?`), toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("delete readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) queryReadings(ctx context.Context, query string, args ...any) ([]domain.Reading, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select readings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.Reading, 0)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return out, nil
}
