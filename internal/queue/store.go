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
	"errors"
	"fmt"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
)

// ErrEmpty is returned by Dequeue and Peek on an empty queue.
var ErrEmpty = errors.New("queue: empty")

// ErrNotFound is returned by RemoveIndex and RemoveUID when the target
// does not exist.
var ErrNotFound = errors.New("queue: job not found")

// Store is the ordered job queue contract. All backends are FIFO;
// EnqueueFront exists for bounce jobs which jump the line.
//
// Implementations are safe for concurrent use, but the retry cron is
// the only consumer that dequeues.
type Store interface {
	Enqueue(j *Job) error
	EnqueueFront(j *Job) error
	Dequeue() (*Job, error)
	Peek() (*Job, error)
	Snapshot() ([]*Job, error)
	Clear() error
	RemoveIndex(i int) (*Job, error)
	RemoveUID(uid string) (*Job, error)
	Len() (int, error)
	Close() error
}

// Open selects and initializes the backend named by the configuration.
func Open(cfg config.Queue, queueDir string, logger log.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return OpenFileStore(queueDir, logger)
	case "redis":
		return OpenRedisStore(cfg.RedisAddr, cfg.RedisKey)
	case "sql":
		return OpenSQLStore(cfg.SQLDriver, cfg.SQLDSN, cfg.SQLTable)
	default:
		return nil, fmt.Errorf("queue: unknown backend: %q", cfg.Backend)
	}
}
