// Package webhook posts appointment events to external HTTP endpoints, such
// as a partner pharmacy or the clinic's reminder service.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hivcare/clinic/internal/platform/notification"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
	DeliveryHeader  = "X-Webhook-Delivery"
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

type Option func(*Sink)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

// WithRetryDelays sets the waits between attempts. One attempt is made per
// delay plus the initial one.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(s *Sink) { s.retryDelays = delays }
}

// Sink delivers each event to every endpoint. It implements
// notification.Sink.
type Sink struct {
	endpoints   []string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
}

func NewSink(endpoints []string, secret string, opts ...Option) (*Sink, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("at least one webhook endpoint is required")
	}
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	for _, ep := range endpoints {
		if err := validateURL(ep); err != nil {
			return nil, err
		}
	}
	s := &Sink{
		endpoints:   endpoints,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{500 * time.Millisecond, 2 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", raw)
	}
	return nil
}

func (s *Sink) Notify(ctx context.Context, ev notification.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	deliveryID := uuid.NewString()

	var errs []error
	for _, ep := range s.endpoints {
		if err := s.deliver(ctx, ep, deliveryID, payload); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", ep, err))
		}
	}
	return errors.Join(errs...)
}

// deliver retries network errors and 5xx/429 responses. Other 4xx responses
// are final.
func (s *Sink) deliver(ctx context.Context, endpoint, deliveryID string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= len(s.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(s.retryDelays[attempt-1]):
			}
		}

		retry, err := s.post(ctx, endpoint, deliveryID, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}

func (s *Sink) post(ctx context.Context, endpoint, deliveryID string, payload []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(append([]byte(ts+"."), payload...), s.secret))
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(DeliveryHeader, deliveryID)

	resp, err := s.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
}
