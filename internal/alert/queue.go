// Package alert queues operational alerts in Redis and mails them to the ops
// address from a background worker.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"inkwell/internal/logger"
	"inkwell/internal/metrics"
)

const (
	queueKey  = "alerts"
	failedKey = "alerts:failed"

	maxTries = 3
)

type Job struct {
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Tries   int       `json:"tries"`
	Created time.Time `json:"created"`
}

// Sender delivers one alert.
type Sender interface {
	Send(to, subject, body string) error
}

type Queue struct {
	rdb        redis.Cmdable
	sender     Sender
	to         string
	retryDelay time.Duration
	popTimeout time.Duration
}

func NewQueue(rdb redis.Cmdable, sender Sender, to string) *Queue {
	return &Queue{
		rdb:        rdb,
		sender:     sender,
		to:         to,
		retryDelay: 5 * time.Second,
		popTimeout: 2 * time.Second,
	}
}

// Alert enqueues a message for the ops address.
func (q *Queue) Alert(ctx context.Context, subject, body string) error {
	job := Job{
		To:      q.to,
		Subject: "[inkwell] " + subject,
		Body:    body,
		Created: time.Now(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := q.rdb.LPush(ctx, queueKey, string(data)).Err(); err != nil {
		metrics.RecordAlert("enqueue_failed")
		logger.Error("failed to queue alert", "subject", subject, "error", err)
		return err
	}

	metrics.RecordAlert("queued")
	logger.Info("alert queued", "subject", subject)
	return nil
}

// Start drains the queue until ctx is done.
func (q *Queue) Start(ctx context.Context) error {
	logger.Info("alert worker started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("alert worker stopped")
			return nil
		default:
			q.processNext(ctx)
		}
	}
}

func (q *Queue) processNext(ctx context.Context) {
	result, err := q.rdb.BRPop(ctx, q.popTimeout, queueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			logger.Warn("alert queue pop failed", "error", err)
			sleep(ctx, q.popTimeout)
		}
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		logger.Error("bad alert payload dropped", "error", err)
		return
	}

	job.Tries++
	if err := q.sender.Send(job.To, job.Subject, job.Body); err != nil {
		logger.Error("failed to send alert", "subject", job.Subject, "attempt", job.Tries, "error", err)
		if job.Tries < maxTries {
			sleep(ctx, q.retryDelay)
			data, _ := json.Marshal(job)
			q.rdb.LPush(context.Background(), queueKey, string(data))
			return
		}
		q.deadLetter(job, err)
		return
	}

	metrics.RecordAlert("sent")
	logger.Info("alert sent", "subject", job.Subject, "to", job.To)
}

func (q *Queue) deadLetter(job Job, err error) {
	failed := map[string]interface{}{
		"job":   job,
		"error": err.Error(),
		"time":  time.Now(),
	}
	data, _ := json.Marshal(failed)
	q.rdb.LPush(context.Background(), failedKey, string(data))
	metrics.RecordAlert("dead_lettered")
	logger.Error("alert moved to failed queue", "subject", job.Subject, "tries", job.Tries)
}

// QueueLength reports the backlog and refreshes the gauge.
func (q *Queue) QueueLength(ctx context.Context) int64 {
	length, _ := q.rdb.LLen(ctx, queueKey).Result()
	metrics.AlertQueueLength.Set(float64(length))
	return length
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
