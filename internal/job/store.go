package job

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/binlens/binlens/internal/kvstore"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix    = "job:"
	resultKeySuffix = ":result"
	readyQueueKeyFmt = "queue:ready:%s"
	resultTTL       = 24 * time.Hour
)

// Store persists Job records and TranslationResults in the kv-store and
// manages the priority-ordered ready queues.
type Store struct {
	rdb     *redis.Client
	jobTTL  time.Duration
}

// NewStore returns a Store backed by rdb. ttl is set on each job hash at
// creation and set again by SetTerminalTTL when the job reaches a terminal state.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, jobTTL: ttl}
}

func jobKey(id string) string    { return jobKeyPrefix + id }
func resultKey(id string) string { return jobKeyPrefix + id + resultKeySuffix }

// NewID mints a job identifier with the dec_ prefix.
func NewID() string {
	return "dec_" + uuid.NewString()
}

// Create persists a new pending job and enqueues it on its priority's ready
// queue.
func (s *Store) Create(ctx context.Context, j *Job) error {
	j.Status = StatusPending
	j.CreatedAt = time.Now().UTC()
	j.Errors = []string{}
	j.Warnings = []string{}

	data, err := marshalJob(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID), data)
	pipe.Expire(ctx, jobKey(j.ID), s.jobTTL)
	pipe.LPush(ctx, fmt.Sprintf(readyQueueKeyFmt, j.Priority), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	return nil
}

// Dequeue pops the next job id honoring priority order (high > normal >
// low), blocking up to timeout for work to arrive.
func (s *Store) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	keys := make([]string, 0, len(Priorities))
	for _, p := range Priorities {
		keys = append(keys, fmt.Sprintf(readyQueueKeyFmt, p))
	}
	res, err := s.rdb.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BRPop returns [key, value]; we only need the job id.
	return res[1], nil
}

// Get loads a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return unmarshalJob(data)
}

// GetResult loads the translation result for a completed job, if present.
func (s *Store) GetResult(ctx context.Context, id string) (*TranslationResult, error) {
	raw, err := s.rdb.Get(ctx, resultKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tr TranslationResult
	if err := json.Unmarshal([]byte(raw), &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// SaveResult stores the translation result with the standard TTL.
func (s *Store) SaveResult(ctx context.Context, id string, tr *TranslationResult) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, resultKey(id), data, resultTTL).Err()
}

// CompareAndSwapStatus atomically transitions id's status, enforcing the
// lifecycle graph at the kv-store's single linearization point.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	return kvstore.CompareAndSwapStatus(ctx, s.rdb, jobKey(id), string(to), fromStrs...)
}

// SetField updates a single scalar field on the job hash (used for progress,
// timestamps, error/warning lists as the worker advances a job).
func (s *Store) SetField(ctx context.Context, id, field string, value interface{}) error {
	return s.rdb.HSet(ctx, jobKey(id), field, value).Err()
}

// AppendError/AppendWarning are convenience wrappers that read-modify-write
// the errors/warnings list fields; callers hold job ownership (the worker)
// so no additional locking is required.
func (s *Store) AppendError(ctx context.Context, j *Job, msg string) error {
	j.Errors = append(j.Errors, msg)
	b, err := json.Marshal(j.Errors)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, jobKey(j.ID), "errors", b).Err()
}

func (s *Store) AppendWarning(ctx context.Context, j *Job, msg string) error {
	j.Warnings = append(j.Warnings, msg)
	b, err := json.Marshal(j.Warnings)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, jobKey(j.ID), "warnings", b).Err()
}

// SetTerminalTTL pins the job hash's TTL to the result TTL once a job
// reaches a terminal state, so it is evicted exactly resultTTL after
// completion rather than living out its original submit-time TTL.
func (s *Store) SetTerminalTTL(ctx context.Context, id string) error {
	return s.rdb.Expire(ctx, jobKey(id), resultTTL).Err()
}

// ErrNotFound is returned by Get when a job id has no record.
var ErrNotFound = fmt.Errorf("job: not found")

// StaleProcessing is a processing-status job whose worker may have died
// mid-run, along with the time it entered processing.
type StaleProcessing struct {
	ID        string
	Priority  Priority
	StartedAt time.Time
}

// ScanStaleProcessing walks every job hash via SCAN and returns those in
// status=processing whose started_at is older than olderThan. There is no
// per-worker ownership record in this model; staleness is judged purely
// from the job's own started_at field, so the reaper is the only consumer
// of this method.
func (s *Store) ScanStaleProcessing(ctx context.Context, olderThan time.Duration) ([]StaleProcessing, error) {
	cutoff := time.Now().Add(-olderThan)
	var stale []StaleProcessing
	var cursor uint64
	for {
		keys, cur, err := s.rdb.Scan(ctx, cursor, jobKeyPrefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		cursor = cur
		for _, key := range keys {
			if strings.HasSuffix(key, resultKeySuffix) {
				continue
			}
			fields, err := s.rdb.HMGet(ctx, key, "id", "status", "priority", "started_at").Result()
			if err != nil || len(fields) < 4 {
				continue
			}
			status, _ := fields[1].(string)
			if status != string(StatusProcessing) {
				continue
			}
			id, _ := fields[0].(string)
			startedRaw, _ := fields[3].(string)
			if id == "" || startedRaw == "" {
				continue
			}
			startedAt, err := time.Parse(time.RFC3339Nano, startedRaw)
			if err != nil || startedAt.After(cutoff) {
				continue
			}
			priority, _ := fields[2].(string)
			stale = append(stale, StaleProcessing{ID: id, Priority: Priority(priority), StartedAt: startedAt})
		}
		if cursor == 0 {
			break
		}
	}
	return stale, nil
}

// TotalQueueLength sums the ready-queue length across all priorities, used
// by the submit handler's backpressure check against the configured ceiling.
func (s *Store) TotalQueueLength(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range Priorities {
		n, err := s.rdb.LLen(ctx, fmt.Sprintf(readyQueueKeyFmt, p)).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Requeue transitions a job back to pending and re-enqueues it on its
// priority's ready queue, used by the reaper to recover orphaned jobs.
func (s *Store) Requeue(ctx context.Context, id string, priority Priority) (bool, error) {
	ok, err := s.CompareAndSwapStatus(ctx, id, StatusPending, StatusProcessing)
	if err != nil || !ok {
		return ok, err
	}
	if priority == "" {
		priority = PriorityNormal
	}
	return true, s.rdb.LPush(ctx, fmt.Sprintf(readyQueueKeyFmt, priority), id).Err()
}
