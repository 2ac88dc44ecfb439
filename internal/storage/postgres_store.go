package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, customer_id, driver_id, vehicle_type, status,
	pickup, drop_off, capacity, accepting_passengers, passengers, early_stop,
	fare, payment_ref, cancel_reason, cancelled_by, created_at, accepted_at,
	completed_at, rebroadcast_at, version`

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	pickup, drop, passengers, earlyStop, err := encodeRide(r)
	if err != nil {
		return err
	}
	r.Version = 0
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,0)`,
		r.ID, r.CustomerID, nullString(r.DriverID), string(r.VehicleType), string(r.Status),
		pickup, drop, r.Capacity, r.AcceptingPassengers, passengers, earlyStop,
		nullFloat(r.Fare), nullString(r.PaymentRef), nullString(string(r.CancelReason)),
		nullString(r.CancelledBy), r.CreatedAt, nullTime(r.AcceptedAt),
		nullTime(r.CompletedAt), nullTime(r.RebroadcastAt))
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateIfVersion(ctx context.Context, r *models.Ride, expected int64) error {
	pickup, drop, passengers, earlyStop, err := encodeRide(r)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
		driver_id=$1, status=$2, pickup=$3, drop_off=$4, capacity=$5,
		accepting_passengers=$6, passengers=$7, early_stop=$8, fare=$9,
		payment_ref=$10, cancel_reason=$11, cancelled_by=$12, accepted_at=$13,
		completed_at=$14, rebroadcast_at=$15, version=version+1
		WHERE id=$16 AND version=$17`,
		nullString(r.DriverID), string(r.Status), pickup, drop, r.Capacity,
		r.AcceptingPassengers, passengers, earlyStop, nullFloat(r.Fare),
		nullString(r.PaymentRef), nullString(string(r.CancelReason)),
		nullString(r.CancelledBy), nullTime(r.AcceptedAt), nullTime(r.CompletedAt),
		nullTime(r.RebroadcastAt), r.ID, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing ride from a version race.
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleWrite
	}
	r.Version = expected + 1
	return nil
}

func (p *PostgresStore) ListSearchingBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	return p.list(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status=$1 AND created_at < $2`, string(models.StatusSearching), cutoff)
}

func (p *PostgresStore) ListPendingJoinsBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	return p.list(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status NOT IN ('completed','cancelled')
		AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(passengers) p
			WHERE p->>'status' = 'pending' AND (p->>'joined_at')::timestamptz < $1
		)`, cutoff)
}

func (p *PostgresStore) ListPendingEarlyStopsBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	return p.list(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE early_stop->>'status' = 'pending'
		AND (early_stop->>'proposed_at')::timestamptz < $1`, cutoff)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                              models.Ride
		driverID, reason, cancelledBy  sql.NullString
		paymentRef                     sql.NullString
		vehicleType, status            string
		pickup, drop, passengers       []byte
		earlyStop                      []byte
		fare                           sql.NullFloat64
		acceptedAt, completedAt, rebAt sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.CustomerID, &driverID, &vehicleType, &status,
		&pickup, &drop, &r.Capacity, &r.AcceptingPassengers, &passengers, &earlyStop,
		&fare, &paymentRef, &reason, &cancelledBy, &r.CreatedAt, &acceptedAt,
		&completedAt, &rebAt, &r.Version); err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.PaymentRef = paymentRef.String
	r.VehicleType = models.VehicleType(vehicleType)
	r.Status = models.RideStatus(status)
	r.CancelReason = models.CancelReason(reason.String)
	r.CancelledBy = cancelledBy.String
	if err := json.Unmarshal(pickup, &r.Pickup); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(drop, &r.Drop); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(passengers, &r.Passengers); err != nil {
		return nil, err
	}
	if len(earlyStop) > 0 && string(earlyStop) != "null" {
		r.EarlyStop = &models.EarlyStop{}
		if err := json.Unmarshal(earlyStop, r.EarlyStop); err != nil {
			return nil, err
		}
	}
	if fare.Valid {
		r.Fare = &fare.Float64
	}
	if acceptedAt.Valid {
		r.AcceptedAt = &acceptedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if rebAt.Valid {
		r.RebroadcastAt = &rebAt.Time
	}
	return &r, nil
}

func encodeRide(r *models.Ride) (pickup, drop, passengers, earlyStop []byte, err error) {
	if pickup, err = json.Marshal(r.Pickup); err != nil {
		return
	}
	if drop, err = json.Marshal(r.Drop); err != nil {
		return
	}
	if r.Passengers == nil {
		passengers = []byte("[]")
	} else if passengers, err = json.Marshal(r.Passengers); err != nil {
		return
	}
	if r.EarlyStop != nil {
		earlyStop, err = json.Marshal(r.EarlyStop)
	}
	return
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
