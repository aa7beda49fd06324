package ingest

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-session/internal/models"
)

func TestDecodeLocation(t *testing.T) {
	h := 90.0
	b, _ := json.Marshal(LocationEvent{RideID: "ride1", CaptainID: "cap1", Lat: 25.03, Lng: 121.5, Heading: &h, CapturedAt: 7, ReceivedAt: time.Now()})
	e, err := DecodeLocation(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.RideID != "ride1" || e.Heading == nil || *e.Heading != 90 || e.CapturedAt != 7 {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestDecodeLocationRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"no captain": `{"rideId":"r","lat":1,"lng":1}`,
		"lat range":  `{"rideId":"r","captainId":"c","lat":100,"lng":1}`,
		"lng range":  `{"rideId":"r","captainId":"c","lat":1,"lng":-200}`,
	}
	for name, raw := range cases {
		if _, err := DecodeLocation([]byte(raw)); !errors.Is(err, models.ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
	if _, err := DecodeLocation([]byte("{")); err == nil {
		t.Fatal("expected json error")
	}
}

func TestDecodeLifecycle(t *testing.T) {
	b, _ := json.Marshal(LifecycleEvent{RideID: "ride1", Kind: "phase", Phase: models.PhaseCompleted})
	e, err := DecodeLifecycle(b)
	if err != nil || e.Phase != models.PhaseCompleted {
		t.Fatalf("unexpected %+v %v", e, err)
	}
	if _, err := DecodeLifecycle([]byte(`{"kind":"phase"}`)); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
