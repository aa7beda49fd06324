package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-session/internal/models"
)

// Pusher reaches a recipient who has no live connection.
type Pusher interface {
	Push(ctx context.Context, n models.Notification) error
}

// FCMPusher posts data messages to the FCM HTTP v1 endpoint. Each actor's
// devices subscribe to the topic "actor-<id>".
type FCMPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPusher(endpoint, key string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPusher) Push(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	body := map[string]any{
		"message": map[string]any{
			"topic": "actor-" + n.RecipientID,
			"data": map[string]string{
				"notification_id": n.ID,
				"type":            string(n.Type),
				"payload":         string(payload),
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm push %s: status %d", n.ID, resp.StatusCode)
	}
	return nil
}
