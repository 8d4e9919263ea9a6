package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embermail/dispatch/internal/config"
)

func TestNewProvider_Selection(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.DeliveryConfig
		wantName string
	}{
		{
			name:     "sparkpost with key",
			cfg:      config.DeliveryConfig{Provider: "sparkpost", SparkPostAPIKey: "sp-key", SparkPostURL: "https://api.sparkpost.com/api/v1"},
			wantName: "sparkpost",
		},
		{
			name:     "smtp with host",
			cfg:      config.DeliveryConfig{Provider: "smtp", SMTPHost: "mail.internal", SMTPPort: 2525},
			wantName: "smtp",
		},
		{
			name:     "sparkpost without key degrades to dry-run",
			cfg:      config.DeliveryConfig{Provider: "sparkpost"},
			wantName: "disabled",
		},
		{
			name:     "ses without credentials degrades to dry-run",
			cfg:      config.DeliveryConfig{Provider: "ses"},
			wantName: "disabled",
		},
		{
			name:     "smtp without host degrades to dry-run",
			cfg:      config.DeliveryConfig{Provider: "smtp"},
			wantName: "disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider(tt.cfg)
			assert.Equal(t, tt.wantName, p.Name())
			assert.Equal(t, tt.wantName != "disabled", p.Enabled())
		})
	}
}

func TestDisabledProvider_SendReturnsSentinel(t *testing.T) {
	p := NewProvider(config.DeliveryConfig{Provider: "sparkpost"})

	err := p.Send(context.Background(), &Message{To: "x@example.com", Subject: "s"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConfigured), "dry-run must return ErrNotConfigured, got %v", err)
}

func TestSparkPostProvider_Send(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/transmissions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewSparkPostProvider("sp-key", srv.URL)
	err := p.Send(context.Background(), &Message{
		From:     "news@example.com",
		FromName: "Embermail",
		To:       "jane@example.com",
		ToName:   "Jane",
		Subject:  "Hello",
		HTML:     "<p>hi</p>",
		Headers:  map[string]string{"List-Unsubscribe-Post": "List-Unsubscribe=One-Click"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sp-key", gotAuth)

	content := gotPayload["content"].(map[string]interface{})
	assert.Equal(t, "Hello", content["subject"])
	headers := content["headers"].(map[string]interface{})
	assert.Equal(t, "List-Unsubscribe=One-Click", headers["List-Unsubscribe-Post"])

	options := gotPayload["options"].(map[string]interface{})
	assert.Equal(t, false, options["open_tracking"])
	assert.Equal(t, false, options["click_tracking"])
}

func TestSparkPostProvider_SendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":[{"message":"invalid recipient"}]}`))
	}))
	defer srv.Close()

	p := NewSparkPostProvider("sp-key", srv.URL)
	err := p.Send(context.Background(), &Message{To: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "invalid recipient")
}
