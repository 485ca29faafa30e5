package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jan-server/services/upload-api/internal/domain/upload"
)

const defaultKeyPrefix = "upload-api:session:"

// RedisTracker keeps session status in redis so any instance can answer a
// status poll. Latest state lives in a hash, history in a list.
type RedisTracker struct {
	client    redis.UniversalClient
	retention time.Duration
	prefix    string
}

// RedisOption customises a RedisTracker.
type RedisOption func(*RedisTracker)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(t *RedisTracker) { t.prefix = prefix }
}

// NewRedisTracker creates a redis-backed tracker.
func NewRedisTracker(client redis.UniversalClient, retention time.Duration, opts ...RedisOption) *RedisTracker {
	t := &RedisTracker{client: client, retention: retention, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Record writes the latest state and appends to the history in one MULTI.
func (t *RedisTracker) Record(ctx context.Context, tr upload.Transition) error {
	if tr.SessionID == "" {
		return fmt.Errorf("record transition: session id is required")
	}
	stateKey, historyKey := t.keys(tr.SessionID)

	current, err := t.client.HGet(ctx, stateKey, "phase").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read session phase: %w", err)
	}
	if upload.Phase(current).IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, tr.SessionID, current)
	}

	fields := map[string]any{
		"session_id": tr.SessionID,
		"phase":      string(tr.Phase),
		"updated_at": tr.At.UTC().Format(time.RFC3339Nano),
	}
	if tr.RequesterID != "" {
		fields["requester_id"] = tr.RequesterID
	}
	if tr.TargetRecordID != "" {
		fields["record_id"] = tr.TargetRecordID
	}
	if tr.ErrorKind != "" {
		fields["error_kind"] = string(tr.ErrorKind)
		fields["error_message"] = tr.ErrorMessage
	}
	if tr.StorageRef != nil {
		raw, err := json.Marshal(tr.StorageRef)
		if err != nil {
			return fmt.Errorf("encode storage ref: %w", err)
		}
		fields["storage_ref"] = string(raw)
	}
	entry, err := json.Marshal(upload.PhaseTimestamp{Phase: tr.Phase, At: tr.At.UTC()})
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, stateKey, fields)
		pipe.RPush(ctx, historyKey, entry)
		if t.retention > 0 {
			pipe.Expire(ctx, stateKey, t.retention)
			pipe.Expire(ctx, historyKey, t.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Query returns the latest state with its history.
func (t *RedisTracker) Query(ctx context.Context, sessionID string) (*upload.Status, error) {
	stateKey, historyKey := t.keys(sessionID)

	var (
		stateCmd   *redis.MapStringStringCmd
		historyCmd *redis.StringSliceCmd
	)
	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		stateCmd = pipe.HGetAll(ctx, stateKey)
		historyCmd = pipe.LRange(ctx, historyKey, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	fields := stateCmd.Val()
	if len(fields) == 0 {
		return nil, upload.ErrSessionNotFound
	}

	st := &upload.Status{
		SessionID:      fields["session_id"],
		RequesterID:    fields["requester_id"],
		TargetRecordID: fields["record_id"],
		Phase:          upload.Phase(fields["phase"]),
		ErrorKind:      upload.ErrorKind(fields["error_kind"]),
		ErrorMessage:   fields["error_message"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		st.UpdatedAt = ts
	}
	if raw := fields["storage_ref"]; raw != "" {
		var ref upload.StorageRef
		if err := json.Unmarshal([]byte(raw), &ref); err != nil {
			return nil, fmt.Errorf("decode storage ref: %w", err)
		}
		st.StorageRef = &ref
	}
	for _, raw := range historyCmd.Val() {
		var entry upload.PhaseTimestamp
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		st.History = append(st.History, entry)
	}
	return st, nil
}

// Ping checks the connection.
func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTracker) keys(sessionID string) (string, string) {
	return t.prefix + sessionID, t.prefix + sessionID + ":history"
}
