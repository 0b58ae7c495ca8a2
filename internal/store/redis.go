package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"graphflow-scheduler/internal/errs"
	"graphflow-scheduler/internal/models"
)

// Redis key schema shared with external observers (dashboard).
const (
	jobKeyPrefix  = "scheduler:job:"
	pidKey        = "scheduler:graphflow_pid"
	statusKey     = "scheduler:graphflow_status"
	activityKey   = "scheduler:activity"
	activityTTL   = time.Hour
	DefaultJobTTL = 30 * 24 * time.Hour
)

// Store is the shared key-value backend: durable job registry plus the
// status board for the supervised process. The supervisor is the only writer
// of the process keys; everything else treats them as advisory.
type Store struct {
	client *redis.Client
	jobTTL time.Duration
}

// New builds a store over an existing redis client.
func New(client *redis.Client, jobTTL time.Duration) *Store {
	if jobTTL <= 0 {
		jobTTL = DefaultJobTTL
	}
	return &Store{client: client, jobTTL: jobTTL}
}

// NewClient dials redis with the given address/credentials.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Ping verifies connectivity, wrapping failures as retryable connection
// errors.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &errs.ConnectionError{Service: "redis", Err: err}
	}
	return nil
}

func jobKey(id string) string { return jobKeyPrefix + id }

// SaveJob persists a job definition with the bounded retention TTL.
func (s *Store) SaveJob(ctx context.Context, job models.JobDefinition) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := s.client.Set(ctx, jobKey(job.ID), raw, s.jobTTL).Err(); err != nil {
		return &errs.ConnectionError{Service: "redis", Err: err}
	}
	return nil
}

// GetJob fetches one job definition. found is false for an absent id.
func (s *Store) GetJob(ctx context.Context, id string) (models.JobDefinition, bool, error) {
	raw, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.JobDefinition{}, false, nil
	}
	if err != nil {
		return models.JobDefinition{}, false, &errs.ConnectionError{Service: "redis", Err: err}
	}
	var job models.JobDefinition
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.JobDefinition{}, false, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return job, true, nil
}

// UpdateJobStatus rewrites the persisted record's advisory status. Missing
// records (expired retention) are a no-op.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) error {
	job, found, err := s.GetJob(ctx, id)
	if err != nil || !found {
		return err
	}
	job.Status = status
	return s.SaveJob(ctx, job)
}

// ListJobs scans the registry key space and decodes every record.
func (s *Store) ListJobs(ctx context.Context) ([]models.JobDefinition, error) {
	var jobs []models.JobDefinition
	iter := s.client.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, &errs.ConnectionError{Service: "redis", Err: err}
		}
		var job models.JobDefinition
		if err := json.Unmarshal(raw, &job); err != nil {
			continue // skip records written by incompatible versions
		}
		jobs = append(jobs, job)
	}
	if err := iter.Err(); err != nil {
		return nil, &errs.ConnectionError{Service: "redis", Err: err}
	}
	return jobs, nil
}

// DeleteJob removes a registry record. Returns whether a record existed.
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, jobKey(id)).Result()
	if err != nil {
		return false, &errs.ConnectionError{Service: "redis", Err: err}
	}
	return n > 0, nil
}

// SetProcessStatus writes the supervised process's lifecycle status.
func (s *Store) SetProcessStatus(ctx context.Context, status models.ProcessStatus) error {
	if err := s.client.Set(ctx, statusKey, string(status), 0).Err(); err != nil {
		return &errs.ConnectionError{Service: "redis", Err: err}
	}
	return nil
}

// ProcessStatus reads the persisted status; absent key means stopped.
func (s *Store) ProcessStatus(ctx context.Context) (models.ProcessStatus, error) {
	raw, err := s.client.Get(ctx, statusKey).Result()
	if errors.Is(err, redis.Nil) {
		return models.ProcessStopped, nil
	}
	if err != nil {
		return models.ProcessError, &errs.ConnectionError{Service: "redis", Err: err}
	}
	return models.ProcessStatus(raw), nil
}

// SetPID records the supervised process id.
func (s *Store) SetPID(ctx context.Context, pid int) error {
	if err := s.client.Set(ctx, pidKey, strconv.Itoa(pid), 0).Err(); err != nil {
		return &errs.ConnectionError{Service: "redis", Err: err}
	}
	return nil
}

// PID reads the recorded process id; found is false when no process handle
// is believed live.
func (s *Store) PID(ctx context.Context) (int, bool, error) {
	raw, err := s.client.Get(ctx, pidKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &errs.ConnectionError{Service: "redis", Err: err}
	}
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt pid record %q: %w", raw, err)
	}
	return pid, true, nil
}

// ClearPID removes the pid record after the process is confirmed exited.
func (s *Store) ClearPID(ctx context.Context) error {
	if err := s.client.Del(ctx, pidKey).Err(); err != nil {
		return &errs.ConnectionError{Service: "redis", Err: err}
	}
	return nil
}

// PublishActivity hands a human-readable status line to the external
// observer. Best effort: the previous line is overwritten if unconsumed, and
// the key expires on its own if nothing ever reads it.
func (s *Store) PublishActivity(ctx context.Context, message string) error {
	ev := models.ActivityEvent{
		ID:      uuid.New().String(),
		Message: message,
		At:      time.Now().UTC(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	if err := s.client.Set(ctx, activityKey, raw, activityTTL).Err(); err != nil {
		return &errs.ConnectionError{Service: "redis", Err: err}
	}
	return nil
}

// ConsumeActivity reads and deletes the pending activity line, so it is
// delivered at most once.
func (s *Store) ConsumeActivity(ctx context.Context) (models.ActivityEvent, bool, error) {
	raw, err := s.client.GetDel(ctx, activityKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ActivityEvent{}, false, nil
	}
	if err != nil {
		return models.ActivityEvent{}, false, &errs.ConnectionError{Service: "redis", Err: err}
	}
	var ev models.ActivityEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return models.ActivityEvent{}, false, fmt.Errorf("unmarshal activity: %w", err)
	}
	return ev, true, nil
}
