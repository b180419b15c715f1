// Package queue holds bundle jobs in Redis: job bodies in a hash, due times in a sorted set and
// jobs that cannot be run in a dead-letter list.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/ferreq/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	jobsKey       = "ferreq:jobs"
	queueKey      = "ferreq:queue"
	deadLetterKey = "ferreq:dead_letter"
)

var ErrJobNotFound = errors.New("job not found")

type Queue struct {
	client *redis.Client
}

func NewQueue(redisAddr string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// score orders jobs by due time in milliseconds; among jobs due at once, deeper retries go first.
func score(job *Job) float64 {
	return float64(job.ScheduledAt.UnixMilli())*100 + float64(task.MaxRecursionLevel-job.Depth)
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	jobJSON, err := job.ToJSON()
	if err != nil {
		return err
	}

	if err := q.client.HSet(ctx, jobsKey, job.ID, jobJSON).Err(); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  score(job),
		Member: job.ID,
	}).Err()
}

// Dequeue claims the next due job, or returns nil when none is due. The job body stays in Redis
// until Ack, Requeue or MoveToDeadLetter.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	maxScore := float64(time.Now().UnixMilli())*100 + float64(task.MaxRecursionLevel)

	results, err := q.client.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", maxScore),
		Count: 1,
	}).Result()
	if err != nil || len(results) == 0 {
		return nil, err
	}

	jobID := results[0]
	removed, err := q.client.ZRem(ctx, queueKey, jobID).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		// claimed by another worker
		return nil, nil
	}

	return q.GetJob(ctx, jobID)
}

func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobJSON, err := q.client.HGet(ctx, jobsKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return JobFromJSON(jobJSON)
}

// Ack forgets a finished job.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	return q.client.HDel(ctx, jobsKey, job.ID).Err()
}

// Requeue schedules another attempt of job after delay.
func (q *Queue) Requeue(ctx context.Context, job *Job, reason string, delay time.Duration) error {
	job.Attempts++
	job.Error = reason
	job.ScheduledAt = time.Now().Add(delay)
	return q.Enqueue(ctx, job)
}

// MoveToDeadLetter parks job with the reason it cannot be run.
func (q *Queue) MoveToDeadLetter(ctx context.Context, job *Job, reason string) error {
	job.Error = reason
	jobJSON, err := job.ToJSON()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, queueKey, job.ID)
	pipe.HDel(ctx, jobsKey, job.ID)
	pipe.LPush(ctx, deadLetterKey, jobJSON)
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetters returns up to limit parked jobs, most recent first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	items, err := q.client.LRange(ctx, deadLetterKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(items))
	for _, item := range items {
		job, err := JobFromJSON(item)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth is the number of jobs waiting, due or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queueKey).Result()
}

func (q *Queue) DeadLetterDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, deadLetterKey).Result()
}

// Pending returns every job body still held, including jobs being worked on.
func (q *Queue) Pending(ctx context.Context) ([]*Job, error) {
	jobMap, err := q.client.HGetAll(ctx, jobsKey).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(jobMap))
	for _, jobJSON := range jobMap {
		job, err := JobFromJSON(jobJSON)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
