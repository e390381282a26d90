package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypePrewarm = "image:prewarm"

var ErrInvalidPayload = errors.New("invalid prewarm payload")

// PrewarmPayload asks the worker to render every variant of one object into
// the cache.
type PrewarmPayload struct {
	JobID       string    `json:"job_id"`
	ObjectKey   string    `json:"object_key"`
	Variants    []string  `json:"variants"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewPrewarmTask(payload PrewarmPayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal prewarm payload: %w", err)
	}
	return asynq.NewTask(TypePrewarm, body), nil
}

func ParsePrewarmPayload(task *asynq.Task) (PrewarmPayload, error) {
	var payload PrewarmPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return PrewarmPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payload.validate(); err != nil {
		return PrewarmPayload{}, err
	}
	return payload, nil
}

func (p PrewarmPayload) validate() error {
	switch {
	case strings.TrimSpace(p.JobID) == "":
		return fmt.Errorf("%w: job_id is empty", ErrInvalidPayload)
	case strings.TrimSpace(p.ObjectKey) == "":
		return fmt.Errorf("%w: object_key is empty", ErrInvalidPayload)
	case len(p.Variants) == 0:
		return fmt.Errorf("%w: no variants", ErrInvalidPayload)
	}
	return nil
}
