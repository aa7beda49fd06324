package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/example/ride-session/internal/models"
)

func newMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

var sessionCols = []string{"id", "captain_id", "phase", "capacity", "pickup_lat", "pickup_lng", "pickup_name", "dest_lat", "dest_lng", "dest_name", "route", "created_at", "started_at", "ended_at", "occupied"}

func TestPostgresMigrate(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ride_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ALTER TABLE ride_sessions ADD COLUMN IF NOT EXISTS occupied").WillReturnResult(sqlmock.NewResult(0, 0))
	applied, err := p.Migrate(context.Background())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 2 || applied[0] != "migrations/001_ride_sessions.sql" || applied[1] != "migrations/002_ride_occupancy.sql" {
		t.Fatalf("unexpected migrations %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresSaveSession(t *testing.T) {
	p, mock := newMock(t)
	now := time.Now()
	s := models.RideSession{
		ID: "ride1", CaptainID: "cap1", Phase: models.PhaseCompleted, Capacity: 3, Occupied: 2,
		Pickup:      models.Place{Coord: models.Coord{Lat: 1, Lng: 2}, DisplayName: "A"},
		Destination: models.Place{Coord: models.Coord{Lat: 3, Lng: 4}, DisplayName: "B"},
		Route:       &models.Route{DistanceMeters: 1200, DurationSeconds: 180},
		CreatedAt:   now,
		StartedAt:   &now,
	}
	mock.ExpectExec("INSERT INTO ride_sessions").
		WithArgs("ride1", "cap1", "Completed", 3, 1.0, 2.0, "A", 3.0, 4.0, "B", sqlmock.AnyArg(), now, sqlmock.AnyArg(), sqlmock.AnyArg(), 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := p.SaveSession(context.Background(), s); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetSession(t *testing.T) {
	p, mock := newMock(t)
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	started := created.Add(time.Minute)
	rows := sqlmock.NewRows(sessionCols).AddRow(
		"ride1", "cap1", "Active", 4, 1.0, 2.0, "A", 3.0, 4.0, "B",
		[]byte(`{"distanceMeters":900,"durationSeconds":120,"computedAt":"2024-05-01T08:01:00Z"}`),
		created, started, nil, 0)
	mock.ExpectQuery("SELECT id, captain_id").WithArgs("ride1").WillReturnRows(rows)

	s, err := p.GetSession(context.Background(), "ride1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Phase != models.PhaseActive || s.Capacity != 4 || s.Destination.DisplayName != "B" {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.Route == nil || s.Route.DistanceMeters != 900 {
		t.Fatalf("route not decoded: %+v", s.Route)
	}
	if s.StartedAt == nil || !s.StartedAt.Equal(started) || s.EndedAt != nil {
		t.Fatalf("unexpected times %v %v", s.StartedAt, s.EndedAt)
	}
}

func TestPostgresGetSessionNotFound(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery("SELECT id, captain_id").WithArgs("nope").WillReturnRows(sqlmock.NewRows(sessionCols))
	if _, err := p.GetSession(context.Background(), "nope"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPostgresAppendHistory(t *testing.T) {
	p, mock := newMock(t)
	now := time.Now()
	recs := []models.HistoryRecord{
		{RideID: "ride1", ReservationID: "res1", CaptainID: "cap1", RiderID: "r1", PassengerCount: 2, StartedAt: now, CompletedAt: now},
		{RideID: "ride1", ReservationID: "res2", CaptainID: "cap1", RiderID: "r2", PassengerCount: 1, StartedAt: now, CompletedAt: now},
	}
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO ride_history")
	prep.ExpectExec().WithArgs("ride1", "res1", "cap1", "r1", 2, 0.0, 0.0, "", 0.0, 0.0, "", now, now).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("ride1", "res2", "cap1", "r2", 1, 0.0, 0.0, "", 0.0, 0.0, "", now, now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := p.AppendHistory(context.Background(), recs); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresAppendHistoryRollsBack(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO ride_history")
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := p.AppendHistory(context.Background(), []models.HistoryRecord{{ReservationID: "res1"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresNotifications(t *testing.T) {
	p, mock := newMock(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO notifications").
		WithArgs("n1", "u1", "booking.accepted", sqlmock.AnyArg(), t0, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := p.SaveNotification(ctx, models.Notification{ID: "n1", RecipientID: "u1", Type: models.NotifyBookingAccepted, Payload: map[string]any{"rideId": "ride1"}, CreatedAt: t0}); err != nil {
		t.Fatalf("save: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "recipient_id", "type", "payload", "created_at"}).
		AddRow("n2", "u1", "ride.completed", []byte(`{"rideId":"ride1"}`), t0.Add(time.Minute)).
		AddRow("n1", "u1", "booking.accepted", []byte(`{"rideId":"ride1"}`), t0)
	mock.ExpectQuery("SELECT id, recipient_id, type, payload, created_at FROM notifications").WithArgs("u1", 10).WillReturnRows(rows)
	got, err := p.Undelivered(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("undelivered: %v", err)
	}
	if len(got) != 2 || got[0].ID != "n1" || got[1].ID != "n2" {
		t.Fatalf("expected oldest first, got %+v", got)
	}
	if got[0].Payload["rideId"] != "ride1" {
		t.Fatalf("payload not decoded: %+v", got[0].Payload)
	}

	mock.ExpectExec("UPDATE notifications SET delivered").WithArgs("u1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 2))
	if err := p.MarkDelivered(ctx, "u1", []string{"n1", "n2"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
