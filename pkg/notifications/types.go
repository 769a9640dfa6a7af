// Package notifications delivers pipeline events to subscriber webhooks.
package notifications

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/0xmhha/registry-indexer/internal/config"
	"github.com/0xmhha/registry-indexer/internal/constants"
	"github.com/0xmhha/registry-indexer/pkg/eventbus"
)

// ErrInvalidSubscription is returned for unusable webhook settings
var ErrInvalidSubscription = errors.New("invalid webhook subscription")

// Subscription is one webhook endpoint and the events it wants
type Subscription struct {
	ID     string
	URL    string
	Events []eventbus.EventType

	// AuthToken is sent as a bearer token when set
	AuthToken string

	// Secret signs the body with HMAC-SHA256 when set
	Secret string

	MaxRetries int
	Timeout    time.Duration
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t eventbus.EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Validate checks the endpoint URL.
func (s *Subscription) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("%w: %s: webhook URL is required", ErrInvalidSubscription, s.ID)
	}

	parsedURL, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("%w: %s: invalid webhook URL: %v", ErrInvalidSubscription, s.ID, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%w: %s: webhook URL must use http or https scheme", ErrInvalidSubscription, s.ID)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("%w: %s: webhook URL has no host", ErrInvalidSubscription, s.ID)
	}
	return nil
}

// SubscriptionsFromConfig converts and validates configured webhooks.
func SubscriptionsFromConfig(cfgs []config.WebhookConfig) ([]Subscription, error) {
	subs := make([]Subscription, 0, len(cfgs))
	for i, c := range cfgs {
		sub := Subscription{
			ID:         c.ID,
			URL:        c.URL,
			AuthToken:  c.AuthToken,
			Secret:     c.Secret,
			MaxRetries: c.MaxRetries,
			Timeout:    c.Timeout,
		}
		if sub.ID == "" {
			sub.ID = fmt.Sprintf("webhook-%d", i)
		}
		if sub.MaxRetries <= 0 {
			sub.MaxRetries = constants.DefaultWebhookMaxRetries
		}
		if sub.Timeout <= 0 {
			sub.Timeout = constants.DefaultWebhookTimeout
		}
		for _, name := range c.Events {
			t, err := eventbus.ParseEventType(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSubscription, sub.ID, err)
			}
			sub.Events = append(sub.Events, t)
		}
		if err := sub.Validate(); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Delivery is one envelope bound for one subscription
type Delivery struct {
	ID           string
	Subscription *Subscription
	Event        eventbus.EventType
	Payload      []byte
	CreatedAt    time.Time
}

// DeliveryResult describes a single HTTP attempt
type DeliveryResult struct {
	StatusCode   int
	ResponseBody string
	Duration     time.Duration
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}
