package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-session/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle, e.g. a sqlmock connection.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. They are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

const upsertSession = `INSERT INTO ride_sessions(id, captain_id, phase, capacity, pickup_lat, pickup_lng, pickup_name, dest_lat, dest_lng, dest_name, route, created_at, started_at, ended_at, occupied)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET phase=EXCLUDED.phase, route=EXCLUDED.route, started_at=EXCLUDED.started_at, ended_at=EXCLUDED.ended_at, occupied=EXCLUDED.occupied`

func (p *PostgresStore) SaveSession(ctx context.Context, s models.RideSession) error {
	var route []byte
	if s.Route != nil {
		b, err := json.Marshal(s.Route)
		if err != nil {
			return err
		}
		route = b
	}
	_, err := p.db.ExecContext(ctx, upsertSession,
		s.ID, s.CaptainID, string(s.Phase), s.Capacity,
		s.Pickup.Lat, s.Pickup.Lng, s.Pickup.DisplayName,
		s.Destination.Lat, s.Destination.Lng, s.Destination.DisplayName,
		route, s.CreatedAt, nullTime(s.StartedAt), nullTime(s.EndedAt), s.Occupied)
	return err
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (models.RideSession, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, captain_id, phase, capacity, pickup_lat, pickup_lng, pickup_name, dest_lat, dest_lng, dest_name, route, created_at, started_at, ended_at, occupied FROM ride_sessions WHERE id=$1`, id)
	var (
		s              models.RideSession
		phase          string
		route          []byte
		started, ended sql.NullTime
	)
	err := row.Scan(&s.ID, &s.CaptainID, &phase, &s.Capacity,
		&s.Pickup.Lat, &s.Pickup.Lng, &s.Pickup.DisplayName,
		&s.Destination.Lat, &s.Destination.Lng, &s.Destination.DisplayName,
		&route, &s.CreatedAt, &started, &ended, &s.Occupied)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideSession{}, fmt.Errorf("ride %s: %w", id, models.ErrSessionNotFound)
	}
	if err != nil {
		return models.RideSession{}, err
	}
	s.Phase = models.Phase(phase)
	if len(route) > 0 {
		var r models.Route
		if err := json.Unmarshal(route, &r); err != nil {
			return models.RideSession{}, fmt.Errorf("ride %s route: %w", id, err)
		}
		s.Route = &r
	}
	if started.Valid {
		s.StartedAt = &started.Time
	}
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	return s, nil
}

// AppendHistory writes all records in one transaction.
func (p *PostgresStore) AppendHistory(ctx context.Context, recs []models.HistoryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ride_history(ride_id, reservation_id, captain_id, rider_id, passenger_count, pickup_lat, pickup_lng, pickup_name, dest_lat, dest_lng, dest_name, started_at, completed_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) ON CONFLICT (reservation_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, h := range recs {
		if _, err := stmt.ExecContext(ctx, h.RideID, h.ReservationID, h.CaptainID, h.RiderID, h.PassengerCount,
			h.Pickup.Lat, h.Pickup.Lng, h.Pickup.DisplayName,
			h.Destination.Lat, h.Destination.Lng, h.Destination.DisplayName,
			h.StartedAt, h.CompletedAt); err != nil {
			return fmt.Errorf("history %s: %w", h.ReservationID, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, actorID string, limit int) ([]models.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT ride_id, reservation_id, captain_id, rider_id, passenger_count, pickup_lat, pickup_lng, pickup_name, dest_lat, dest_lng, dest_name, started_at, completed_at
FROM ride_history WHERE captain_id=$1 OR rider_id=$1 ORDER BY completed_at DESC LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.HistoryRecord
	for rows.Next() {
		var h models.HistoryRecord
		if err := rows.Scan(&h.RideID, &h.ReservationID, &h.CaptainID, &h.RiderID, &h.PassengerCount,
			&h.Pickup.Lat, &h.Pickup.Lng, &h.Pickup.DisplayName,
			&h.Destination.Lat, &h.Destination.Lng, &h.Destination.DisplayName,
			&h.StartedAt, &h.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveNotification(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO notifications(id, recipient_id, type, payload, created_at, delivered) VALUES($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
		n.ID, n.RecipientID, string(n.Type), payload, n.CreatedAt, n.Delivered)
	return err
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, recipientID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `UPDATE notifications SET delivered=TRUE WHERE recipient_id=$1 AND id = ANY($2)`, recipientID, pq.Array(ids))
	return err
}

func (p *PostgresStore) Undelivered(ctx context.Context, recipientID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, recipient_id, type, payload, created_at FROM notifications WHERE recipient_id=$1 AND NOT delivered ORDER BY created_at DESC LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var (
			n       models.Notification
			typ     string
			payload []byte
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &typ, &payload, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = models.NotificationType(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, fmt.Errorf("notification %s payload: %w", n.ID, err)
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first for replay
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
