package repository

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/gradeflow/constants"
)

// RedisStore is a FingerprintStore shared between processes. Each entry is a hash; a set per status indexes them.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	log    *slog.Logger
}

func NewRedisStore(client redis.UniversalClient, prefix string, log *slog.Logger) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	if prefix == "" {
		prefix = "gradeflow"
	}
	return &RedisStore{client: client, prefix: prefix, log: log}
}

// KEYS: entry, queued set, ready set, failed set. ARGV: result, updated_at, fingerprint.
var freezeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == 'ready' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'ready', 'result', ARGV[1], 'updated_at', ARGV[2])
redis.call('SREM', KEYS[2], ARGV[3])
redis.call('SREM', KEYS[4], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// KEYS: entry, queued set, ready set, failed set. ARGV: status, updated_at, fingerprint.
var statusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == 'ready' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
redis.call('HDEL', KEYS[1], 'result')
redis.call('SREM', KEYS[2], ARGV[3])
redis.call('SREM', KEYS[4], ARGV[3])
if ARGV[1] == 'queued' then
  redis.call('SADD', KEYS[2], ARGV[3])
else
  redis.call('SADD', KEYS[4], ARGV[3])
end
return 1
`)

func (s *RedisStore) entryKey(fp string) string {
	return s.prefix + ":fp:" + fp
}

func (s *RedisStore) statusKey(status constants.EntryStatus) string {
	return s.prefix + ":status:" + string(status)
}

func (s *RedisStore) keys(fp string) []string {
	return []string{
		s.entryKey(fp),
		s.statusKey(constants.EntryStatusQueued),
		s.statusKey(constants.EntryStatusReady),
		s.statusKey(constants.EntryStatusFailed),
	}
}

func (s *RedisStore) Get(ctx context.Context, fp string) (Entry, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(fp)).Result()
	if err != nil {
		return Entry{}, false, dbErr("redis get", err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}
	e, err := entryFromHash(fp, fields)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *RedisStore) PutIfAbsentReady(ctx context.Context, fp string, result []byte) (bool, error) {
	won, err := freezeScript.Run(ctx, s.client, s.keys(fp), result, time.Now().UnixMilli(), fp).Int()
	if err != nil {
		s.log.Error("redis freeze failed", "fingerprint", fp, "error", err)
		return false, dbErr("redis put ready", err)
	}
	if won == 0 {
		s.log.Info("fingerprint already ready, keeping frozen result", "fingerprint", fp)
		return false, nil
	}
	return true, nil
}

func (s *RedisStore) PutStatus(ctx context.Context, fp string, status constants.EntryStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	if err := statusScript.Run(ctx, s.client, s.keys(fp), string(status), time.Now().UnixMilli(), fp).Err(); err != nil {
		s.log.Error("redis status update failed", "fingerprint", fp, "status", status, "error", err)
		return dbErr("redis put status", err)
	}
	return nil
}

func (s *RedisStore) ListByStatus(ctx context.Context, status constants.EntryStatus) ([]Entry, error) {
	fps, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, dbErr("redis list", err)
	}
	slices.Sort(fps)

	cmds := make([]*redis.MapStringStringCmd, len(fps))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, fp := range fps {
			cmds[i] = p.HGetAll(ctx, s.entryKey(fp))
		}
		return nil
	})
	if err != nil {
		return nil, dbErr("redis list", err)
	}

	out := make([]Entry, 0, len(fps))
	for i, fp := range fps {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		e, err := entryFromHash(fp, fields)
		if err != nil {
			return nil, err
		}
		// the index can lag a concurrent status move
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func entryFromHash(fp string, fields map[string]string) (Entry, error) {
	e := Entry{Fingerprint: fp, Status: constants.EntryStatus(fields["status"])}
	if !e.Status.Valid() {
		return Entry{}, fmt.Errorf("fingerprint %s: unknown status %q", fp, fields["status"])
	}
	if res, ok := fields["result"]; ok {
		e.Result = []byte(res)
	} else if e.Status == constants.EntryStatusReady {
		e.Result = []byte{}
	}
	if ms, err := strconv.ParseInt(strings.TrimSpace(fields["updated_at"]), 10, 64); err == nil {
		e.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return e, nil
}
