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
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Resizeflow-Signature"
	HeaderTimestamp = "X-Resizeflow-Timestamp"
	HeaderEvent     = "X-Resizeflow-Event"
	HeaderDelivery  = "X-Resizeflow-Delivery"

	EventPrewarmCompleted = "prewarm.completed"
	EventPrewarmFailed    = "prewarm.failed"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
	// ErrRejected means the receiver answered with a 4xx that retrying will
	// not change.
	ErrRejected = errors.New("webhook rejected by receiver")
)

// Event is the JSON envelope posted to receivers. ID is stable across retries
// of the same delivery so receivers can drop duplicates.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

func NewEvent(eventType, jobID string, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		JobID:     jobID,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	}
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient *http.Client
	secret     string
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		secret:     cfg.SigningSecret,
		attempts:   max(cfg.MaxAttempts, 1),
		backoff:    cfg.InitialBackoff,
		maxBackoff: max(cfg.MaxBackoff, cfg.InitialBackoff),
		now:        time.Now,
	}
}

// Deliver posts evt to endpoint, retrying transport errors, 408, 429 and 5xx
// with doubling backoff. An empty endpoint is a no-op.
func (c *Client) Deliver(ctx context.Context, endpoint string, evt Event) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	signature := Sign(c.secret, timestamp, body)

	wait := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		retryAfter, err := c.post(ctx, endpoint, evt, timestamp, signature, body)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if attempt == c.attempts {
			break
		}

		pause := wait
		if retryAfter > 0 {
			pause = min(retryAfter, c.maxBackoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
		wait = min(wait*2, c.maxBackoff)
	}

	return fmt.Errorf("webhook %s not delivered after %d attempts: %w", evt.ID, c.attempts, lastErr)
}

// post makes one attempt. The returned duration is the receiver's Retry-After,
// when it sent one.
func (c *Client) post(ctx context.Context, endpoint string, evt Event, timestamp, signature string, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, evt.Type)
	req.Header.Set(HeaderDelivery, evt.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return 0, nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook returned status=%d", code)
	default:
		return 0, fmt.Errorf("%w: status=%d", ErrRejected, code)
	}
}

func retryAfter(raw string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) error {
	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyAt is Verify plus a replay check: the timestamp must lie within
// tolerance of now.
func VerifyAt(secret, timestamp string, body []byte, signature string, now time.Time, tolerance time.Duration) error {
	sent, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrStaleTimestamp, timestamp)
	}
	if drift := now.Sub(time.Unix(sent, 0)).Abs(); drift > tolerance {
		return fmt.Errorf("%w: drift %s", ErrStaleTimestamp, drift)
	}
	return Verify(secret, timestamp, body, signature)
}
