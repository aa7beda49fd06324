package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
	"github.com/example/ride-session/internal/storage"
)

// notificationSpace scopes deterministic notification ids.
var notificationSpace = uuid.MustParse("3f0c6a52-8d0e-4c71-9a3e-5b1d2f7c9e41")

// NotificationID is stable for one lifecycle event and recipient, so a replayed
// event maps onto the notification already created for it.
func NotificationID(recipientID string, typ models.NotificationType, eventKey string) string {
	return uuid.NewSHA1(notificationSpace, []byte(recipientID+"|"+string(typ)+"|"+eventKey)).String()
}

// Dispatcher creates one notification per recipient and lifecycle event,
// delivers it to live connections at once, and keeps it until acknowledged.
// Each recipient's queue is bounded; the oldest entry goes first.
type Dispatcher struct {
	hub       *Hub
	store     storage.NotificationStore
	pusher    Pusher
	retention int
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	inbox map[string]*inbox
}

type inbox struct {
	order []string
	items map[string]models.Notification
}

type DispatcherOption func(*Dispatcher)

func WithStore(s storage.NotificationStore) DispatcherOption {
	return func(d *Dispatcher) { d.store = s }
}

func WithPusher(p Pusher) DispatcherOption {
	return func(d *Dispatcher) { d.pusher = p }
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(hub *Hub, retention int, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if retention <= 0 {
		retention = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		hub:       hub,
		retention: retention,
		now:       time.Now,
		logger:    logger,
		inbox:     make(map[string]*inbox),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Notify records the notification for eventKey and delivers it. Calling it
// again for the same recipient, type and key does nothing.
func (d *Dispatcher) Notify(ctx context.Context, recipientID string, typ models.NotificationType, eventKey string, payload map[string]any) error {
	n := models.Notification{
		ID:          NotificationID(recipientID, typ, eventKey),
		RecipientID: recipientID,
		Type:        typ,
		Payload:     payload,
		CreatedAt:   d.now(),
	}

	d.mu.Lock()
	box := d.boxLocked(ctx, recipientID)
	if _, dup := box.items[n.ID]; dup {
		d.mu.Unlock()
		observability.Notifications.WithLabelValues("duplicate").Inc()
		return nil
	}
	box.items[n.ID] = n
	box.order = append(box.order, n.ID)
	var evicted []string
	for len(box.order) > d.retention {
		evicted = append(evicted, box.order[0])
		delete(box.items, box.order[0])
		box.order = box.order[1:]
		observability.Notifications.WithLabelValues("dropped").Inc()
	}
	d.mu.Unlock()

	var err error
	if d.store != nil {
		if err = d.store.SaveNotification(ctx, n); err != nil {
			d.logger.Warn("persist notification failed", "notification_id", n.ID, "error", err)
		}
		// evicted entries leave the stored queue as well
		if len(evicted) > 0 {
			if merr := d.store.MarkDelivered(ctx, recipientID, evicted); merr != nil {
				d.logger.Warn("retire evicted notifications failed", "recipient_id", recipientID, "count", len(evicted), "error", merr)
			}
		}
	}
	d.deliver(ctx, n)
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) {
	n.Delivered = true
	if d.hub != nil && d.hub.Send(n.RecipientID, Envelope{Type: TypeNotification, Payload: n}) > 0 {
		d.markDelivered(n.RecipientID, n.ID)
		observability.Notifications.WithLabelValues("delivered").Inc()
		return
	}
	observability.Notifications.WithLabelValues("queued").Inc()
	if d.pusher == nil {
		return
	}
	// the queued copy stays authoritative; push is only a wake-up
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.pusher.Push(pctx, n); err != nil {
			d.logger.Warn("offline push failed", "notification_id", n.ID, "recipient_id", n.RecipientID, "error", err)
			return
		}
		observability.Notifications.WithLabelValues("pushed").Inc()
	}()
}

func (d *Dispatcher) markDelivered(recipientID, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if box, ok := d.inbox[recipientID]; ok {
		if n, ok := box.items[id]; ok {
			n.Delivered = true
			box.items[id] = n
		}
	}
}

// Flush replays every unacknowledged notification to recipientID's live
// connections, oldest first. Called when a client (re)connects.
func (d *Dispatcher) Flush(ctx context.Context, recipientID string) int {
	if d.hub == nil {
		return 0
	}
	pending := d.Inbox(ctx, recipientID)
	sent := 0
	for _, n := range pending {
		n.Delivered = true
		if d.hub.Send(recipientID, Envelope{Type: TypeNotification, Payload: n}) == 0 {
			break
		}
		d.markDelivered(recipientID, n.ID)
		sent++
	}
	return sent
}

// Inbox lists unacknowledged notifications, oldest first.
func (d *Dispatcher) Inbox(ctx context.Context, recipientID string) []models.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	box := d.boxLocked(ctx, recipientID)
	out := make([]models.Notification, 0, len(box.order))
	for _, id := range box.order {
		out = append(out, box.items[id])
	}
	return out
}

// Ack removes acknowledged notifications from the recipient's queue.
func (d *Dispatcher) Ack(ctx context.Context, recipientID string, ids []string) error {
	d.mu.Lock()
	if box, ok := d.inbox[recipientID]; ok {
		drop := make(map[string]bool, len(ids))
		for _, id := range ids {
			drop[id] = true
			delete(box.items, id)
		}
		kept := box.order[:0]
		for _, id := range box.order {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		box.order = kept
	}
	d.mu.Unlock()
	if d.store != nil {
		return d.store.MarkDelivered(ctx, recipientID, ids)
	}
	return nil
}

// boxLocked returns the recipient's queue, loading it from the store the
// first time the recipient is seen by this process.
func (d *Dispatcher) boxLocked(ctx context.Context, recipientID string) *inbox {
	if box, ok := d.inbox[recipientID]; ok {
		return box
	}
	box := &inbox{items: make(map[string]models.Notification)}
	if d.store != nil {
		stored, err := d.store.Undelivered(ctx, recipientID, d.retention)
		if err != nil {
			d.logger.Warn("load inbox failed", "recipient_id", recipientID, "error", err)
		}
		for _, n := range stored {
			box.items[n.ID] = n
			box.order = append(box.order, n.ID)
		}
	}
	d.inbox[recipientID] = box
	return box
}
