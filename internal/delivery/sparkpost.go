package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SparkPostProvider sends through the SparkPost transmissions API.
type SparkPostProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewSparkPostProvider creates a SparkPost-backed provider.
func NewSparkPostProvider(apiKey, baseURL string) *SparkPostProvider {
	return &SparkPostProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *SparkPostProvider) Name() string  { return "sparkpost" }
func (p *SparkPostProvider) Enabled() bool { return true }

// Send posts a single-recipient transmission. Open/click tracking stays off;
// the engine does its own bookkeeping.
func (p *SparkPostProvider) Send(ctx context.Context, msg *Message) error {
	payload := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.To, "name": msg.ToName}},
		},
		"content": map[string]interface{}{
			"from":    map[string]string{"email": msg.From, "name": msg.FromName},
			"subject": msg.Subject,
			"html":    msg.HTML,
			"headers": msg.Headers,
		},
		"options": map[string]interface{}{
			"open_tracking":  false,
			"click_tracking": false,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal transmission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/transmissions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sparkpost request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sparkpost error: status %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
