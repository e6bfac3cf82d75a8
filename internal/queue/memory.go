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
	"sync"
)

// MemoryStore is the in-process backend. Not durable, used for tests
// and throwaway staging setups.
type MemoryStore struct {
	mu   sync.Mutex
	jobs []*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Enqueue(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	return nil
}

func (s *MemoryStore) EnqueueFront(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append([]*Job{j}, s.jobs...)
	return nil
}

func (s *MemoryStore) Dequeue() (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return nil, ErrEmpty
	}
	j := s.jobs[0]
	s.jobs = s.jobs[1:]
	return j, nil
}

func (s *MemoryStore) Peek() (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return nil, ErrEmpty
	}
	return s.jobs[0], nil
}

func (s *MemoryStore) Snapshot() ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Job(nil), s.jobs...), nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = nil
	return nil
}

func (s *MemoryStore) RemoveIndex(i int) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.jobs) {
		return nil, ErrNotFound
	}
	j := s.jobs[i]
	s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	return j, nil
}

func (s *MemoryStore) RemoveUID(uid string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.UID == uid {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return j, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
