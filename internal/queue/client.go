package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// Options tune how pre-warm tasks are enqueued.
type Options struct {
	Queue    string
	MaxRetry int
	// VariantTimeout is the processing budget per requested variant; the task
	// deadline grows with the variant count.
	VariantTimeout time.Duration
	// Retention keeps finished tasks around so their ids keep rejecting
	// duplicate starts.
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Queue == "" {
		o.Queue = "default"
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = 5
	}
	if o.VariantTimeout <= 0 {
		o.VariantTimeout = 30 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	return o
}

type Client struct {
	client *asynq.Client
	opts   Options
}

func NewClient(redisOpt asynq.RedisClientOpt, opts Options) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		opts:   opts.withDefaults(),
	}
}

// EnqueuePrewarm uses the job id as the task id so a job started twice is only
// queued once.
func (c *Client) EnqueuePrewarm(ctx context.Context, payload PrewarmPayload) (*asynq.TaskInfo, error) {
	task, err := NewPrewarmTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, c.taskOptions(payload)...)
}

func (c *Client) taskOptions(payload PrewarmPayload) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(c.opts.Queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(c.opts.MaxRetry),
		asynq.Timeout(time.Duration(max(len(payload.Variants), 1)) * c.opts.VariantTimeout),
		asynq.Retention(c.opts.Retention),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}
