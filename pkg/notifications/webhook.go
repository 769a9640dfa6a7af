package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/internal/constants"
	"github.com/0xmhha/registry-indexer/pkg/resilience"
)

// SignatureHeader carries the HMAC of the body
const SignatureHeader = "X-Signature-256"

// WebhookHandler performs single webhook HTTP requests.
type WebhookHandler struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.Named("webhook"),
	}
}

// Deliver sends one attempt of d. Non-2xx responses yield a *StatusError;
// client errors other than 408 and 429 are marked permanent.
func (h *WebhookHandler) Deliver(ctx context.Context, d *Delivery) (*DeliveryResult, error) {
	sub := d.Subscription
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultWebhookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := &DeliveryResult{}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return result, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "registry-indexer-webhook/1.0")
	req.Header.Set("X-Webhook-ID", d.ID)
	req.Header.Set("X-Event-Type", string(d.Event))
	if sub.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+sub.AuthToken)
	}
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+computeSignature(d.Payload, sub.Secret))
	}

	resp, err := h.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, constants.MaxWebhookResponseBody))
	result.StatusCode = resp.StatusCode
	result.ResponseBody = string(bodyBytes)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.logger.Debug("webhook delivered",
			zap.String("webhook", sub.ID),
			zap.String("delivery_id", d.ID),
			zap.Int("status_code", resp.StatusCode),
			zap.Duration("duration", result.Duration))
		return result, nil
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: result.ResponseBody}
	if isTerminalStatus(resp.StatusCode) {
		return result, resilience.Permanent(statusErr)
	}
	return result, statusErr
}

func isTerminalStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// computeSignature computes HMAC-SHA256 signature for the payload.
func computeSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a webhook signature.
// This can be used by webhook recipients to verify the authenticity of the request.
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")

	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	actual := mac.Sum(nil)

	return hmac.Equal(expected, actual)
}
