package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ride-session/internal/models"
)

// SessionStore persists ride session records. Saves are upserts by id.
type SessionStore interface {
	SaveSession(ctx context.Context, s models.RideSession) error
	GetSession(ctx context.Context, id string) (models.RideSession, error)
}

type HistoryStore interface {
	AppendHistory(ctx context.Context, recs []models.HistoryRecord) error
	// History returns the newest records where actorID was captain or rider.
	History(ctx context.Context, actorID string, limit int) ([]models.HistoryRecord, error)
}

// NotificationStore keeps notifications until their recipient acknowledges
// them. Saving an id that already exists is a no-op.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n models.Notification) error
	MarkDelivered(ctx context.Context, recipientID string, ids []string) error
	Undelivered(ctx context.Context, recipientID string, limit int) ([]models.Notification, error)
}

type Store interface {
	SessionStore
	HistoryStore
	NotificationStore
}

type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]models.RideSession
	history       []models.HistoryRecord
	notifications map[string]models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]models.RideSession),
		notifications: make(map[string]models.Notification),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, s models.RideSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (models.RideSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.RideSession{}, fmt.Errorf("ride %s: %w", id, models.ErrSessionNotFound)
	}
	return s, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, recs []models.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, recs...)
	return nil
}

func (m *MemoryStore) History(_ context.Context, actorID string, limit int) ([]models.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.HistoryRecord
	for _, h := range m.history {
		if h.CaptainID == actorID || h.RiderID == actorID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveNotification(_ context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ID]; !ok {
		m.notifications[n.ID] = n
	}
	return nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, recipientID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if n, ok := m.notifications[id]; ok && n.RecipientID == recipientID {
			n.Delivered = true
			m.notifications[id] = n
		}
	}
	return nil
}

// Undelivered returns the newest limit undelivered notifications, oldest first.
func (m *MemoryStore) Undelivered(_ context.Context, recipientID string, limit int) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.RecipientID == recipientID && !n.Delivered {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
