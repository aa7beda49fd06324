package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-session/internal/auth"
	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/matcher"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/rides"
)

// Client to core message types.
const (
	msgRouteSearch         = "route.search"
	msgRouteCancelSearch   = "route.cancelSearch"
	msgBookingRequest      = "ride.bookingRequest"
	msgCancelMyReservation = "ride.cancelMyReservation"
	msgActivate            = "ride.activate"
	msgComplete            = "ride.complete"
	msgCancel              = "ride.cancel"
	msgRespondToRequest    = "ride.respondToRequest"
	msgLocationPush        = "location.push"
	msgSubscribe           = "ride.subscribe"
	msgUnsubscribe         = "ride.unsubscribe"
	msgNotificationAck     = "notification.ack"
)

const (
	wsReadLimit  = 64 << 10
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

type inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type locationFrame struct {
	RideID     string   `json:"rideId"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	Heading    *float64 `json:"heading,omitempty"`
	CapturedAt int64    `json:"capturedAt"`
}

// wsClient is one authenticated connection. It owns the searches and ride
// watches started over it and releases them when the socket goes away.
type wsClient struct {
	srv    *Server
	actor  auth.Actor
	conn   *dispatch.WSConn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	search  *matcher.Subscription
	watches map[string]*rides.Watch
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "actor_id", actor.ID, "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		srv:     s,
		actor:   actor,
		conn:    dispatch.NewWSConn(raw, s.wsWriteTimeout),
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[string]*rides.Watch),
	}
	remove := s.svc.Connect(ctx, actor.ID, c.conn)
	s.logger.Info("ws connected", "actor_id", actor.ID, "role", actor.Role)

	go c.keepalive()
	c.readLoop(raw)

	remove()
	c.release()
	_ = c.conn.Close()
	s.logger.Info("ws disconnected", "actor_id", actor.ID)
}

func (c *wsClient) readLoop(raw *websocket.Conn) {
	raw.SetReadLimit(wsReadLimit)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var msg inbound
		if err := raw.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.fail("", fmt.Errorf("malformed frame: %w", models.ErrInvalidRequest))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.srv.logger.Warn("ws read failed", "actor_id", c.actor.ID, "error", err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *wsClient) keepalive() {
	t := time.NewTicker(wsPingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if err := c.conn.Ping(); err != nil {
				return
			}
		}
	}
}

// handle runs one client message. Replies carry the client's request id.
func (c *wsClient) handle(msg inbound) {
	result, err := c.dispatch(msg)
	if err != nil {
		c.fail(msg.RequestID, err)
		return
	}
	c.send(dispatch.Envelope{Type: dispatch.TypeAck, RequestID: msg.RequestID, Payload: result})
}

func (c *wsClient) dispatch(msg inbound) (any, error) {
	svc := c.srv.svc
	ctx := c.ctx
	switch msg.Type {
	case msgRouteSearch:
		var req searchRequest
		if err := decodeFrame(msg.Payload, &req); err != nil {
			return nil, err
		}
		return nil, c.startSearch(req)

	case msgRouteCancelSearch:
		c.stopSearch()
		return nil, nil

	case msgBookingRequest:
		var req wsBookingRequest
		if err := decodeFrame(msg.Payload, &req); err != nil {
			return nil, err
		}
		return svc.RequestBooking(ctx, c.actor.ID, req.RideID, req.toService())

	case msgCancelMyReservation:
		var req rideRef
		if err := decodeFrame(msg.Payload, &req); err != nil {
			return nil, err
		}
		cancelled, occ, err := svc.CancelMyReservation(ctx, c.actor.ID, req.RideID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": cancelled, "occupied": occ.Occupied, "capacity": occ.Capacity}, nil

	case msgActivate, msgComplete, msgCancel:
		var req rideRef
		if err := decodeFrame(msg.Payload, &req); err != nil {
			return nil, err
		}
		switch msg.Type {
		case msgActivate:
			return svc.Activate(ctx, c.actor.ID, req.RideID)
		case msgComplete:
			return svc.Complete(ctx, c.actor.ID, req.RideID)
		default:
			return svc.CancelSession(ctx, c.actor.ID, req.RideID)
		}

	case msgRespondToRequest:
		var req wsRespondRequest
		if err := decodeFrame(msg.Payload, &req); err != nil {
			return nil, err
		}
		return svc.Respond(ctx, c.actor.ID, req.ReservationID, req.accepted())

	case msgLocationPush:
		var req wsLocationRequest
		if err := decodeFrame(msg.Payload, &req); err != nil {
			return nil, err
		}
		return nil, svc.PushLocation(ctx, c.actor.ID, req.sample(req.RideID))

	case msgSubscribe:
		var req rideRef
		if err := decodeFrame(msg.Payload, &req); err != nil {
			return nil, err
		}
		return c.watch(req.RideID)

	case msgUnsubscribe:
		var req rideRef
		if err := decodeFrame(msg.Payload, &req); err != nil {
			return nil, err
		}
		c.unwatch(req.RideID)
		return nil, nil

	case msgNotificationAck:
		var req ackRequest
		if err := decodeFrame(msg.Payload, &req); err != nil {
			return nil, err
		}
		return nil, svc.Ack(ctx, c.actor.ID, req.IDs)

	default:
		return nil, fmt.Errorf("unknown message type %q: %w", msg.Type, models.ErrInvalidRequest)
	}
}

// startSearch replaces any search already running on this connection.
func (c *wsClient) startSearch(req searchRequest) error {
	sub, err := c.srv.svc.Search(c.ctx, c.actor.ID, req.Pickup.coord(), req.Destination.coord(), req.Seats)
	if err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.search
	c.search = sub
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	go c.forwardMatches(sub)
	return nil
}

func (c *wsClient) stopSearch() {
	c.mu.Lock()
	sub := c.search
	c.search = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (c *wsClient) forwardMatches(sub *matcher.Subscription) {
	for u := range sub.C() {
		if u.Empty != "" {
			c.send(dispatch.Envelope{Type: dispatch.TypeMatchEmpty, Payload: map[string]any{"reason": u.Empty}})
			continue
		}
		c.send(dispatch.Envelope{Type: dispatch.TypeMatchUpdate, Payload: map[string]any{"candidates": u.Candidates}})
	}
}

// watch resumes rideID: the reply carries the authoritative state and
// changes stream afterwards. Watching a ride twice keeps a single feed.
func (c *wsClient) watch(rideID string) (rides.State, error) {
	w, st, err := c.srv.svc.Subscribe(c.ctx, c.actor.ID, rideID)
	if err != nil {
		return rides.State{}, err
	}
	c.mu.Lock()
	prev := c.watches[rideID]
	c.watches[rideID] = w
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	go c.forwardRide(w)
	return st, nil
}

func (c *wsClient) unwatch(rideID string) {
	c.mu.Lock()
	w := c.watches[rideID]
	delete(c.watches, rideID)
	c.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

func (c *wsClient) forwardRide(w *rides.Watch) {
	events, locations := w.Events(), w.Locations()
	for events != nil || locations != nil {
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.send(e)
		case ls, ok := <-locations:
			if !ok {
				locations = nil
				continue
			}
			c.send(dispatch.Envelope{Type: dispatch.TypeRideLocation, Payload: locationFrame{
				RideID:     ls.RideID,
				Lat:        ls.Lat,
				Lng:        ls.Lng,
				Heading:    ls.HeadingDegrees,
				CapturedAt: ls.CapturedAt,
			}})
		}
	}
	c.mu.Lock()
	if c.watches[w.RideID] == w {
		delete(c.watches, w.RideID)
	}
	c.mu.Unlock()
}

// release ends everything this connection started. Rides are unaffected.
func (c *wsClient) release() {
	c.cancel()
	c.mu.Lock()
	search := c.search
	watches := c.watches
	c.search = nil
	c.watches = make(map[string]*rides.Watch)
	c.mu.Unlock()
	if search != nil {
		search.Close()
	}
	for _, w := range watches {
		w.Close()
	}
}

func (c *wsClient) send(e dispatch.Envelope) {
	if err := c.conn.Send(e); err != nil {
		c.srv.logger.Debug("ws write failed", "actor_id", c.actor.ID, "type", e.Type, "error", err)
	}
}

func (c *wsClient) fail(requestID string, err error) {
	status, body := errorPayload(err)
	if status == http.StatusInternalServerError {
		c.srv.logger.Error("ws request failed", "actor_id", c.actor.ID, "request_id", requestID, "error", err)
	}
	c.send(dispatch.Envelope{Type: dispatch.TypeError, RequestID: requestID, Payload: body})
}
