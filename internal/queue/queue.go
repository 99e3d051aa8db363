// Package queue wraps the delayed-job broker behind a small contract:
// idempotent add by deterministic id, best-effort removal and early trigger.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bazaar/api/internal/model"
)

// AddOptions controls how a job is enqueued
type AddOptions struct {
	JobID *JobID
	Delay time.Duration
	// MaxRetry overrides the queue's retry budget when positive.
	MaxRetry int
}

// JobQueue is the broker contract the commission workers depend on
type JobQueue interface {
	// Add enqueues data under task. Adding an id that already exists is a no-op,
	// unless that job was archived: it is then replaced by the new one.
	Add(ctx context.Context, task string, data any, opts AddOptions) error
	// Remove drops a job that has not started. Unknown or running ids are ignored.
	Remove(ctx context.Context, id JobID) error
	// Trigger makes a delayed job due immediately. Unknown ids are ignored.
	Trigger(ctx context.Context, id JobID) error
}

// DefaultRoutes maps each task to the asynq queue it runs on
var DefaultRoutes = map[string]string{
	model.TaskCheckPayment: "critical",
	model.TaskCancel:       "critical",
	model.TaskCheckUpdate:  "default",
	model.TaskPayout:       "payout",
}

// DefaultPriorities are the asynq server weights for DefaultRoutes
var DefaultPriorities = map[string]int{
	"critical": 6,
	"default":  3,
	"payout":   1,
}

// AsynqQueue implements JobQueue on top of asynq
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	routes    map[string]string
	maxRetry  int
	retention time.Duration
	log       *zap.Logger
}

// NewAsynqQueue creates a queue. routes may be nil to use DefaultRoutes.
func NewAsynqQueue(client *asynq.Client, inspector *asynq.Inspector, routes map[string]string, maxRetry int, retention time.Duration, logger *zap.Logger) *AsynqQueue {
	if routes == nil {
		routes = DefaultRoutes
	}
	return &AsynqQueue{
		client:    client,
		inspector: inspector,
		routes:    routes,
		maxRetry:  maxRetry,
		retention: retention,
		log:       logger,
	}
}

// QueueFor returns the asynq queue that runs task
func (q *AsynqQueue) QueueFor(task string) string {
	if name, ok := q.routes[task]; ok {
		return name
	}
	return "default"
}

// Add enqueues a task
func (q *AsynqQueue) Add(ctx context.Context, task string, data any, opts AddOptions) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", task, err)
	}

	maxRetry := q.maxRetry
	if opts.MaxRetry > 0 {
		maxRetry = opts.MaxRetry
	}
	taskOpts := []asynq.Option{
		asynq.Queue(q.QueueFor(task)),
		asynq.MaxRetry(maxRetry),
	}
	if q.retention > 0 {
		taskOpts = append(taskOpts, asynq.Retention(q.retention))
	}
	if opts.JobID != nil {
		taskOpts = append(taskOpts, asynq.TaskID(opts.JobID.String()))
	}
	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}

	t := asynq.NewTask(task, payload)
	info, err := q.client.EnqueueContext(ctx, t, taskOpts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) && opts.JobID != nil {
		var replaced bool
		replaced, err = q.replaceArchived(*opts.JobID)
		if err == nil && !replaced {
			q.log.Debug("job already enqueued", zap.Stringer("jobId", opts.JobID))
			return nil
		}
		if err == nil {
			info, err = q.client.EnqueueContext(ctx, t, taskOpts...)
		}
	}
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("failed to enqueue %s: %w", task, err)
	}

	q.log.Debug("job enqueued",
		zap.String("task", task),
		zap.String("jobId", info.ID),
		zap.String("queue", info.Queue),
		zap.Duration("delay", opts.Delay),
	)
	return nil
}

// replaceArchived deletes id when it sits in the archive so it can be enqueued
// again. Archived tasks keep their id, and would otherwise swallow every later add.
func (q *AsynqQueue) replaceArchived(id JobID) (bool, error) {
	queueName := q.QueueFor(id.Task)

	info, err := q.inspector.GetTaskInfo(queueName, id.String())
	if err != nil {
		if isMissing(err) {
			// Gone between the conflict and the lookup; enqueue again.
			return true, nil
		}
		return false, fmt.Errorf("failed to inspect job %s: %w", id, err)
	}
	if info.State != asynq.TaskStateArchived {
		return false, nil
	}

	if err := q.inspector.DeleteTask(queueName, id.String()); err != nil && !isMissing(err) {
		return false, fmt.Errorf("failed to clear archived job %s: %w", id, err)
	}
	q.log.Warn("replacing archived job", zap.Stringer("jobId", id), zap.String("lastErr", info.LastErr))
	return true, nil
}

// Remove deletes a pending, scheduled or retrying job
func (q *AsynqQueue) Remove(ctx context.Context, id JobID) error {
	queueName := q.QueueFor(id.Task)

	info, err := q.inspector.GetTaskInfo(queueName, id.String())
	if err != nil {
		if isMissing(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect job %s: %w", id, err)
	}
	if info.State == asynq.TaskStateActive {
		// Already dispatched; the handler re-checks the commission status itself.
		q.log.Info("job already running, not removed", zap.Stringer("jobId", id))
		return nil
	}

	if err := q.inspector.DeleteTask(queueName, id.String()); err != nil && !isMissing(err) {
		return fmt.Errorf("failed to remove job %s: %w", id, err)
	}

	q.log.Debug("job removed", zap.Stringer("jobId", id), zap.String("state", info.State.String()))
	return nil
}

// Trigger runs a scheduled or retrying job now
func (q *AsynqQueue) Trigger(ctx context.Context, id JobID) error {
	queueName := q.QueueFor(id.Task)

	info, err := q.inspector.GetTaskInfo(queueName, id.String())
	if err != nil {
		if isMissing(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect job %s: %w", id, err)
	}
	if info.State != asynq.TaskStateScheduled && info.State != asynq.TaskStateRetry {
		return nil
	}

	if err := q.inspector.RunTask(queueName, id.String()); err != nil && !isMissing(err) {
		return fmt.Errorf("failed to trigger job %s: %w", id, err)
	}
	return nil
}

func isMissing(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}

// RemoveAll removes every id concurrently. Ids that were never scheduled are fine.
func RemoveAll(ctx context.Context, q JobQueue, ids []JobID) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			return q.Remove(ctx, id)
		})
	}

	return g.Wait()
}
