package eolstation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// statusSender publishes a cycle's final verdict to the plant system.
type statusSender interface {
	send(ctx context.Context, snap CycleSnapshot) error
}

type statusClient struct {
	url    string
	client *http.Client
}

func newStatusClient(url string, timeout time.Duration) *statusClient {
	return &statusClient{url: url, client: &http.Client{Timeout: timeout}}
}

type statusPayload struct {
	VIN        string `json:"VIN"`
	ParamID    string `json:"paramId"`
	OpnNo      string `json:"opnNo"`
	Identifier string `json:"identifier"`
	Result     string `json:"result"`
}

func (s *statusClient) send(ctx context.Context, snap CycleSnapshot) error {
	if s.url == "" {
		return nil
	}
	data, err := json.Marshal(statusPayload{
		VIN:        snap.Identifier,
		ParamID:    snap.ParamID,
		OpnNo:      snap.OpnNo,
		Identifier: snap.Identifier,
		Result:     string(snap.Verdict),
	})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
