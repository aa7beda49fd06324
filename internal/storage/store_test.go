package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-session/internal/models"
)

func TestMemoryStoreSessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if _, err := m.GetSession(ctx, "x"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	m.SaveSession(ctx, models.RideSession{ID: "x", Phase: models.PhasePlanning})
	m.SaveSession(ctx, models.RideSession{ID: "x", Phase: models.PhaseActive})
	s, err := m.GetSession(ctx, "x")
	if err != nil || s.Phase != models.PhaseActive {
		t.Fatalf("expected upserted session, got %+v %v", s, err)
	}
}

func TestMemoryStoreHistoryForBothParties(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	t0 := time.Now()
	m.AppendHistory(ctx, []models.HistoryRecord{
		{ReservationID: "a", CaptainID: "cap", RiderID: "r1", CompletedAt: t0},
		{ReservationID: "b", CaptainID: "cap", RiderID: "r2", CompletedAt: t0.Add(time.Hour)},
	})
	capHist, _ := m.History(ctx, "cap", 10)
	if len(capHist) != 2 || capHist[0].ReservationID != "b" {
		t.Fatalf("captain history should be newest first: %+v", capHist)
	}
	riderHist, _ := m.History(ctx, "r1", 10)
	if len(riderHist) != 1 || riderHist[0].ReservationID != "a" {
		t.Fatalf("unexpected rider history %+v", riderHist)
	}
}

func TestMemoryStoreNotifications(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	t0 := time.Now()
	for i, id := range []string{"n1", "n2", "n3"} {
		m.SaveNotification(ctx, models.Notification{ID: id, RecipientID: "u", CreatedAt: t0.Add(time.Duration(i) * time.Second)})
	}
	// duplicate ids are ignored
	m.SaveNotification(ctx, models.Notification{ID: "n1", RecipientID: "u", CreatedAt: t0.Add(time.Hour)})

	got, _ := m.Undelivered(ctx, "u", 2)
	if len(got) != 2 || got[0].ID != "n2" || got[1].ID != "n3" {
		t.Fatalf("expected newest two oldest first, got %+v", got)
	}
	m.MarkDelivered(ctx, "someone-else", []string{"n3"})
	m.MarkDelivered(ctx, "u", []string{"n2"})
	got, _ = m.Undelivered(ctx, "u", 0)
	if len(got) != 2 || got[0].ID != "n1" || got[1].ID != "n3" {
		t.Fatalf("unexpected after ack %+v", got)
	}
}
