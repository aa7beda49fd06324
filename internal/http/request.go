package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-session/internal/models"
)

const maxBodySize = 1 << 20

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type placeBody struct {
	Lat         *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng         *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	DisplayName string   `json:"displayName" validate:"max=200"`
}

func (p placeBody) coord() models.Coord {
	return models.Coord{Lat: *p.Lat, Lng: *p.Lng}
}

func (p placeBody) place() models.Place {
	return models.Place{Coord: p.coord(), DisplayName: p.DisplayName}
}

type createRideRequest struct {
	Pickup      placeBody `json:"pickup" validate:"required"`
	Destination placeBody `json:"destination" validate:"required"`
	Capacity    int       `json:"capacity" validate:"required,gte=1,lte=8"`
}

type bookingRequest struct {
	PassengerCount int       `json:"passengerCount" validate:"required,gte=1"`
	Pickup         placeBody `json:"pickup" validate:"required"`
	Destination    placeBody `json:"destination" validate:"required"`
}

type respondRequest struct {
	Decision string `json:"decision" validate:"required,oneof=accept reject"`
}

type searchRequest struct {
	Pickup      placeBody `json:"pickup" validate:"required"`
	Destination placeBody `json:"destination" validate:"required"`
	Seats       int       `json:"seats" validate:"gte=0,lte=8"`
}

type rideRef struct {
	RideID string `json:"rideId" validate:"required"`
}

type wsBookingRequest struct {
	RideID string `json:"rideId" validate:"required"`
	bookingRequest
}

type wsRespondRequest struct {
	ReservationID string `json:"reservationId" validate:"required"`
	respondRequest
}

type locationRequest struct {
	Lat        *float64 `json:"lat" validate:"required"`
	Lng        *float64 `json:"lng" validate:"required"`
	Heading    *float64 `json:"heading"`
	CapturedAt int64    `json:"capturedAt" validate:"required"`
}

type wsLocationRequest struct {
	RideID string `json:"rideId" validate:"required"`
	locationRequest
}

// sample leaves range checks to the stream so REST and websocket pushes
// fail the same way.
func (l locationRequest) sample(rideID string) models.LocationSample {
	return models.LocationSample{RideID: rideID, Lat: *l.Lat, Lng: *l.Lng, HeadingDegrees: l.Heading, CapturedAt: l.CapturedAt}
}

type ackRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

// fieldError is one failed validation rule, reported back to the client.
type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

type validationError struct {
	Fields []fieldError
}

func (e *validationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field+" ("+f.Rule+")")
	}
	return "validation failed: " + strings.Join(names, ", ")
}

func (e *validationError) Unwrap() error { return models.ErrInvalidRequest }

// readJSON decodes exactly one JSON value from the body and validates it.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%s: %w", decodeProblem(err), models.ErrInvalidRequest)
	}
	if dec.More() {
		return fmt.Errorf("body must contain a single JSON value: %w", models.ErrInvalidRequest)
	}
	return validateStruct(dst)
}

// decodeFrame is readJSON for websocket payloads.
func decodeFrame(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("payload is empty: %w", models.ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s: %w", decodeProblem(err), models.ErrInvalidRequest)
	}
	return validateStruct(dst)
}

func decodeProblem(err error) string {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return "malformed JSON"
	case errors.As(err, &typeErr):
		return "invalid type for " + typeErr.Field
	case errors.As(err, &maxErr):
		return "request body too large"
	case errors.Is(err, io.EOF):
		return "request body is empty"
	default:
		return err.Error()
	}
}

func validateStruct(dst any) error {
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%v: %w", err, models.ErrInvalidRequest)
	}
	out := &validationError{Fields: make([]fieldError, 0, len(verrs))}
	for _, fe := range verrs {
		// drop the request type name
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		out.Fields = append(out.Fields, fieldError{Field: field, Rule: fe.Tag()})
	}
	return out
}
