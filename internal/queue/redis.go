/*
Robin Mail Transfer Agent - SMTP/ESMTP/LMTP debugging and staging server.
Copyright © 2021-2026 The Robin MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the queue as a Redis LIST of JSON-serialized jobs.
// Head of the list is the head of the queue.
type RedisStore struct {
	client *redis.Client
	key    string
}

func OpenRedisStore(addr, key string) (*RedisStore, error) {
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	if key == "" {
		key = "robin:queue"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue: redis: %w", err)
	}

	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func (s *RedisStore) Enqueue(j *Job) error {
	blob, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: redis: %w", err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.RPush(ctx, s.key, blob).Err(); err != nil {
		return fmt.Errorf("queue: redis: %w", err)
	}
	return nil
}

func (s *RedisStore) EnqueueFront(j *Job) error {
	blob, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: redis: %w", err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.LPush(ctx, s.key, blob).Err(); err != nil {
		return fmt.Errorf("queue: redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Dequeue() (*Job, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	blob, err := s.client.LPop(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: redis: %w", err)
	}

	j := &Job{}
	if err := json.Unmarshal(blob, j); err != nil {
		return nil, fmt.Errorf("queue: redis: %w", err)
	}
	return j, nil
}

func (s *RedisStore) Peek() (*Job, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	blob, err := s.client.LIndex(ctx, s.key, 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: redis: %w", err)
	}

	j := &Job{}
	if err := json.Unmarshal(blob, j); err != nil {
		return nil, fmt.Errorf("queue: redis: %w", err)
	}
	return j, nil
}

func (s *RedisStore) Snapshot() ([]*Job, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	blobs, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: redis: %w", err)
	}

	out := make([]*Job, 0, len(blobs))
	for _, blob := range blobs {
		j := &Job{}
		if err := json.Unmarshal([]byte(blob), j); err != nil {
			return nil, fmt.Errorf("queue: redis: %w", err)
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *RedisStore) Clear() error {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("queue: redis: %w", err)
	}
	return nil
}

// RemoveIndex removes by position. Job UIDs are unique so the
// serialized value is as well, letting LREM target the exact element.
func (s *RedisStore) RemoveIndex(i int) (*Job, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	blob, err := s.client.LIndex(ctx, s.key, int64(i)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: redis: %w", err)
	}

	if err := s.client.LRem(ctx, s.key, 1, blob).Err(); err != nil {
		return nil, fmt.Errorf("queue: redis: %w", err)
	}

	j := &Job{}
	if err := json.Unmarshal(blob, j); err != nil {
		return nil, fmt.Errorf("queue: redis: %w", err)
	}
	return j, nil
}

func (s *RedisStore) RemoveUID(uid string) (*Job, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	blobs, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: redis: %w", err)
	}

	for _, blob := range blobs {
		j := &Job{}
		if err := json.Unmarshal([]byte(blob), j); err != nil {
			continue
		}
		if j.UID != uid {
			continue
		}
		if err := s.client.LRem(ctx, s.key, 1, []byte(blob)).Err(); err != nil {
			return nil, fmt.Errorf("queue: redis: %w", err)
		}
		return j, nil
	}
	return nil, ErrNotFound
}

func (s *RedisStore) Len() (int, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: redis: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
