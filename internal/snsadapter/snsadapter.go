// Package snsadapter translates AWS SNS HTTP(S) endpoint deliveries into
// broker operations: a SubscriptionConfirmation triggers a one-shot fetch of
// its SubscribeURL, a Notification yields the inner Message payload to
// enqueue. No signature verification is performed.
package snsadapter

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/lingerd/internal/metrics"
)

// HeaderMessageType is the request header SNS sets on every endpoint
// delivery.
const HeaderMessageType = "x-amz-sns-message-type"

// Message type values SNS uses in HeaderMessageType.
const (
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeNotification             = "Notification"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// Payload is the JSON body of an SNS endpoint delivery. Only the fields the
// adapter acts on are declared; everything else (signature, certificate URL,
// ARNs) is ignored.
type Payload struct {
	Type           string `json:"Type"`
	MessageID      string `json:"MessageId"`
	Subject        string `json:"Subject"`
	Message        string `json:"Message"`
	SubscribeURL   string `json:"SubscribeURL"`
	UnsubscribeURL string `json:"UnsubscribeURL"`
}

// Adapter holds the confirmation-fetch HTTP client and the goroutine gate
// confirmations run behind.
type Adapter struct {
	client  *retryablehttp.Client
	logger  zerolog.Logger
	acquire func() bool
	release func()
}

// Config configures New. Acquire/Release may be nil when no goroutine
// ceiling applies (tests).
type Config struct {
	Logger       zerolog.Logger
	FetchTimeout time.Duration // per-attempt timeout for the SubscribeURL fetch
	Acquire      func() bool
	Release      func()
}

// New builds an adapter with bounded-retry confirmation fetches. The retry
// client keeps a flaky confirmation endpoint from being hit forever: two
// retries with short backoff, then give up and log.
func New(cfg Config) *Adapter {
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = fetchTimeout
	client.Logger = nil

	acquire := cfg.Acquire
	if acquire == nil {
		acquire = func() bool { return true }
	}
	release := cfg.Release
	if release == nil {
		release = func() {}
	}

	return &Adapter{
		client:  client,
		logger:  cfg.Logger,
		acquire: acquire,
		release: release,
	}
}

// Parse decodes an SNS delivery body.
func (a *Adapter) Parse(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode sns payload: %w", err)
	}
	return &p, nil
}

// ConfirmSubscription fetches p.SubscribeURL once, fire-and-forget: the
// fetch runs on its own goroutine so the HTTP handler that received the
// confirmation can respond 202 without waiting on SNS. Returns an error only
// for requests that must not be attempted at all (missing or non-HTTP URL,
// goroutine ceiling reached).
func (a *Adapter) ConfirmSubscription(p *Payload) error {
	if p.SubscribeURL == "" {
		return fmt.Errorf("subscription confirmation without SubscribeURL")
	}
	u, err := url.Parse(p.SubscribeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("refusing to fetch non-http SubscribeURL %q", p.SubscribeURL)
	}
	if !a.acquire() {
		return fmt.Errorf("goroutine limit reached, confirmation not attempted")
	}

	metrics.SNSNotificationsTotal.WithLabelValues("subscription_confirmation").Inc()
	go func() {
		defer a.release()
		resp, err := a.client.Get(p.SubscribeURL)
		if err != nil {
			a.logger.Warn().
				Err(err).
				Str("message_id", p.MessageID).
				Msg("sns subscription confirmation fetch failed")
			return
		}
		resp.Body.Close()
		a.logger.Info().
			Str("message_id", p.MessageID).
			Int("status", resp.StatusCode).
			Msg("sns subscription confirmed")
	}()
	return nil
}

// ExtractNotification returns the enqueueable body of a Notification
// delivery: the inner Message field. UnsubscribeURL is deliberately ignored.
func (a *Adapter) ExtractNotification(p *Payload) []byte {
	metrics.SNSNotificationsTotal.WithLabelValues("notification").Inc()
	return []byte(p.Message)
}
