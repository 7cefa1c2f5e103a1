package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
)

// RedisStore 把日志写入 Redis：每个 stream 一个计数器、一个列表和一个 ID 索引。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedisStore 连接 Redis 并确认可用。
func OpenRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("journal: missing redis address")
	}
	if prefix == "" {
		prefix = "muloom:journal"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(kind, stream string) string {
	return s.prefix + ":" + kind + ":" + stream
}

func (s *RedisStore) Append(_ context.Context, stream string, entry *Entry) (int64, error) {
	idsKey := s.key("ids", stream)
	if entry.ID != "" {
		if seq, ok, err := s.lookupID(idsKey, entry.ID); err != nil || ok {
			return seq, err
		}
	}

	seq, err := s.client.Incr(s.key("seq", stream)).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate seq: %w", err)
	}

	if entry.ID != "" {
		claimed, err := s.client.HSetNX(idsKey, entry.ID, seq).Result()
		if err != nil {
			return 0, fmt.Errorf("claim entry id: %w", err)
		}
		if !claimed {
			// 并发写入同一 ID：以先到者为准，本次分配的 seq 作废。
			existing, _, err := s.lookupID(idsKey, entry.ID)
			return existing, err
		}
	}

	entryCopy := *entry
	entryCopy.Seq = seq
	entryCopy.Stream = stream
	if entryCopy.CreatedAt.IsZero() {
		entryCopy.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&entryCopy)
	if err != nil {
		return 0, err
	}
	if err := s.client.RPush(s.key("entries", stream), data).Err(); err != nil {
		return 0, fmt.Errorf("push entry: %w", err)
	}
	return seq, nil
}

func (s *RedisStore) lookupID(idsKey, id string) (int64, bool, error) {
	raw, err := s.client.HGet(idsKey, id).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt seq for %s: %w", id, err)
	}
	return seq, true, nil
}

func (s *RedisStore) List(_ context.Context, stream string) ([]Entry, error) {
	items, err := s.client.LRange(s.key("entries", stream), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
