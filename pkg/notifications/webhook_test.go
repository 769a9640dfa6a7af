package notifications

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/internal/config"
	"github.com/0xmhha/registry-indexer/pkg/eventbus"
	"github.com/0xmhha/registry-indexer/pkg/resilience"
)

func newDelivery(sub *Subscription, payload string) *Delivery {
	return &Delivery{
		ID:           "delivery-1",
		Subscription: sub,
		Event:        eventbus.EventTypeRecordIndexed,
		Payload:      []byte(payload),
		CreatedAt:    time.Now(),
	}
}

func TestWebhookHandler_Deliver(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	sub := &Subscription{ID: "hook", URL: server.URL, AuthToken: "token-123", Secret: "s3cret", Timeout: time.Second}
	handler := NewWebhookHandler(zap.NewNop())

	result, err := handler.Deliver(context.Background(), newDelivery(sub, `{"event":"record.indexed"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "ok", result.ResponseBody)

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "Bearer token-123", gotHeaders.Get("Authorization"))
	assert.Equal(t, "delivery-1", gotHeaders.Get("X-Webhook-ID"))
	assert.Equal(t, "record.indexed", gotHeaders.Get("X-Event-Type"))
	assert.True(t, VerifyWebhookSignature(gotBody, gotHeaders.Get(SignatureHeader), "s3cret"))
	assert.Equal(t, `{"event":"record.indexed"}`, string(gotBody))
}

func TestWebhookHandler_NoOptionalHeaders(t *testing.T) {
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	handler := NewWebhookHandler(nil)
	_, err := handler.Deliver(context.Background(), newDelivery(&Subscription{ID: "h", URL: server.URL}, `{}`))
	require.NoError(t, err)

	assert.Empty(t, gotHeaders.Get("Authorization"))
	assert.Empty(t, gotHeaders.Get(SignatureHeader))
}

func TestWebhookHandler_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			handler := NewWebhookHandler(nil)
			result, err := handler.Deliver(context.Background(), newDelivery(&Subscription{ID: "h", URL: server.URL}, `{}`))
			require.Error(t, err)
			assert.Equal(t, tt.status, result.StatusCode)

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.permanent, resilience.IsPermanent(err))
		})
	}
}

func TestWebhookHandler_LimitsResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64*1024)))
	}))
	defer server.Close()

	result, err := NewWebhookHandler(nil).Deliver(context.Background(), newDelivery(&Subscription{ID: "h", URL: server.URL}, `{}`))
	require.NoError(t, err)
	assert.Len(t, result.ResponseBody, 10*1024)
}

func TestWebhookHandler_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	sub := &Subscription{ID: "slow", URL: server.URL, Timeout: 50 * time.Millisecond}
	_, err := NewWebhookHandler(nil).Deliver(context.Background(), newDelivery(sub, `{}`))
	require.Error(t, err)
	assert.False(t, resilience.IsPermanent(err))
}

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig := computeSignature(payload, "secret")

	assert.True(t, VerifyWebhookSignature(payload, sig, "secret"))
	assert.True(t, VerifyWebhookSignature(payload, "sha256="+sig, "secret"))
	assert.False(t, VerifyWebhookSignature(payload, sig, "other"))
	assert.False(t, VerifyWebhookSignature(payload, "not-hex", "secret"))
}

func TestSubscriptionsFromConfig(t *testing.T) {
	subs, err := SubscriptionsFromConfig([]config.WebhookConfig{
		{URL: "https://example.com/hook", Events: []string{"record.indexed", "record.enriched"}},
		{ID: "all", URL: "http://localhost:9000", MaxRetries: 5, Timeout: time.Second},
	})
	require.NoError(t, err)
	require.Len(t, subs, 2)

	assert.Equal(t, "webhook-0", subs[0].ID)
	assert.Equal(t, 3, subs[0].MaxRetries)
	assert.Equal(t, 10*time.Second, subs[0].Timeout)
	assert.True(t, subs[0].Wants(eventbus.EventTypeRecordIndexed))
	assert.False(t, subs[0].Wants(eventbus.EventTypeIndexerError))

	assert.Equal(t, 5, subs[1].MaxRetries)
	assert.True(t, subs[1].Wants(eventbus.EventTypeConnectionLost))
}

func TestSubscriptionsFromConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.WebhookConfig
	}{
		{"missing url", config.WebhookConfig{ID: "a"}},
		{"bad scheme", config.WebhookConfig{ID: "a", URL: "ftp://example.com"}},
		{"no host", config.WebhookConfig{ID: "a", URL: "http://"}},
		{"unknown event", config.WebhookConfig{ID: "a", URL: "http://example.com", Events: []string{"block.new"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SubscriptionsFromConfig([]config.WebhookConfig{tt.cfg})
			assert.ErrorIs(t, err, ErrInvalidSubscription)
		})
	}
}
