package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	MaxJobVariants = 64
)

// CreateJobRequest asks the worker to render a set of variants of one object
// into the cache ahead of traffic. Each variant is a query string such as
// "t=c&w=640&h=400&q=h".
type CreateJobRequest struct {
	ObjectKey  string   `json:"object_key"`
	Variants   []string `json:"variants"`
	WebhookURL string   `json:"webhook_url,omitempty"`
}

type Job struct {
	ID         string
	Status     string
	ObjectKey  string
	Variants   []string
	WebhookURL string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required")
	}
	if len(r.Variants) == 0 {
		return errors.New("variants must contain at least one entry")
	}
	if len(r.Variants) > MaxJobVariants {
		return fmt.Errorf("variants must contain at most %d entries", MaxJobVariants)
	}
	for i, variant := range r.Variants {
		if strings.TrimSpace(variant) == "" {
			return fmt.Errorf("variants[%d] is empty", i)
		}
		if _, err := url.ParseQuery(strings.TrimPrefix(variant, "?")); err != nil {
			return fmt.Errorf("variants[%d] is not a valid query string: %w", i, err)
		}
	}
	if r.WebhookURL != "" {
		u, err := url.Parse(r.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook_url must be an absolute http(s) URL")
		}
	}
	return nil
}
