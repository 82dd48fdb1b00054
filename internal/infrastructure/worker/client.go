package worker

import (
	"github.com/hibiken/asynq"

	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
	"github.com/sogos/xqueue-dispatch/internal/domain/worker"
)

// Client enqueues wake-up signals for the push workers. It is strictly a
// latency optimization: nothing the dispatch path needs for correctness,
// since the scheduler's periodic wake and the atomic claim in postgres
// already guarantee every pushable row is eventually delivered exactly once.
type Client struct {
	client *asynq.Client
	logger domainservice.Logger
}

// NewClient creates a new Asynq task enqueuing client.
func NewClient(redisAddr string, logger domainservice.Logger) *Client {
	return &Client{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		logger: logger,
	}
}

// WakePushQueue asks the push worker for queueName to check for new work
// now instead of waiting out the rest of its poll interval.
func (c *Client) WakePushQueue(queueName string) error {
	task, err := worker.NewPushWakeTask(queueName)
	if err != nil {
		return err
	}
	if _, err := c.client.Enqueue(task); err != nil {
		c.logger.Warn("failed to enqueue push wake task", "queue_name", queueName, "error", err)
		return err
	}
	return nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}
