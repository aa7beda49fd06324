// Package httpapi exposes the ride coordinator over REST and a websocket
// gateway. Every route except health and metrics requires a bearer token.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-session/internal/auth"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/rides"
)

type Server struct {
	svc            *rides.Service
	verifier       *auth.Verifier
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	wsWriteTimeout time.Duration
	mux            *mux.Router
}

type Option func(*Server)

func WithWSWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.wsWriteTimeout = d }
}

// WithCheckOrigin replaces the websocket origin check, which by default
// accepts any origin since clients authenticate with a token.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

func NewServer(svc *rides.Service, verifier *auth.Verifier, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:      svc,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		wsWriteTimeout: 5 * time.Second,
		mux:            mux.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{id}/state", s.handleRideState).Methods("GET")
	api.HandleFunc("/rides/{id}/activate", s.handleActivate).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/{id}/bookings", s.handleBookingRequest).Methods("POST")
	api.HandleFunc("/rides/{id}/reservation", s.handleCancelMyReservation).Methods("DELETE")
	api.HandleFunc("/reservations/{id}/respond", s.handleRespond).Methods("POST")
	api.HandleFunc("/captains/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/notifications", s.handleInbox).Methods("GET")
	api.HandleFunc("/notifications/ack", s.handleAck).Methods("POST")

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/rides/{id}/locations", s.handleLocation).Methods("POST")

	s.mux.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWS))).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if actor.Role != auth.RoleCaptain {
		s.writeError(w, r, errCaptainOnly)
		return
	}
	var req createRideRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.svc.CreateSession(r.Context(), actor.ID, rides.CreateRequest{
		Pickup:      req.Pickup.place(),
		Destination: req.Destination.place(),
		Capacity:    req.Capacity,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleRideState(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.State(r.Context(), mustActor(r).ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Activate(r.Context(), mustActor(r).ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Complete(r.Context(), mustActor(r).ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.CancelSession(r.Context(), mustActor(r).ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBookingRequest(w http.ResponseWriter, r *http.Request) {
	var req bookingRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.RequestBooking(r.Context(), mustActor(r).ID, mux.Vars(r)["id"], req.toService())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.Respond(r.Context(), mustActor(r).ID, mux.Vars(r)["id"], req.accepted())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelMyReservation(w http.ResponseWriter, r *http.Request) {
	cancelled, occ, err := s.svc.CancelMyReservation(r.Context(), mustActor(r).ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled, "occupied": occ.Occupied, "capacity": occ.Capacity})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	radius, errRadius := strconv.ParseFloat(q.Get("radius_m"), 64)
	if errLat != nil || errLng != nil || errRadius != nil {
		s.writeError(w, r, fmt.Errorf("lat, lng and radius_m must be numbers: %w", models.ErrInvalidRequest))
		return
	}
	limit := queryInt(q.Get("limit"), 20)
	near, err := s.svc.Nearby(r.Context(), models.Coord{Lat: lat, Lng: lng}, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captains": near})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.History(r.Context(), mustActor(r).ID, queryInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": recs})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.svc.Inbox(r.Context(), mustActor(r).ID)})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Ack(r.Context(), mustActor(r).ID, req.IDs); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLocation ingests a position from devices that cannot hold a socket.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.PushLocation(r.Context(), mustActor(r).ID, req.sample(mux.Vars(r)["id"])); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (b bookingRequest) toService() rides.BookingRequest {
	return rides.BookingRequest{PassengerCount: b.PassengerCount, Pickup: b.Pickup.place(), Destination: b.Destination.place()}
}

func (r respondRequest) accepted() bool { return r.Decision == "accept" }

func queryInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

var errCaptainOnly = errors.New("only captains may create rides")

type errorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []fieldError `json:"fields,omitempty"`
}

// classify maps an error to its HTTP status and a stable code shared with
// websocket error frames.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound, "SessionNotFound"
	case errors.Is(err, models.ErrReservationNotFound):
		return http.StatusNotFound, "ReservationNotFound"
	case errors.Is(err, models.ErrSessionClosed):
		return http.StatusConflict, "SessionClosed"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "InvalidTransition"
	case errors.Is(err, models.ErrReservationNotPending):
		return http.StatusConflict, "ReservationNotPending"
	case errors.Is(err, models.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity, "CapacityExceeded"
	case errors.Is(err, models.ErrNotOwner), errors.Is(err, errCaptainOnly):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, models.ErrStaleLocation):
		return http.StatusBadRequest, "StaleLocation"
	case errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest, "InvalidRequest"
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "Unauthorized"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func errorPayload(err error) (int, errorBody) {
	status, code := classify(err)
	body := errorBody{Code: code, Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	var verr *validationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	return status, body
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorPayload(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
