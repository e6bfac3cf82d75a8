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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/transilvlad/robin-sub002/framework/log"
)

// fileSeqBase leaves room below the first sequence number for
// EnqueueFront insertions.
const fileSeqBase = int64(1) << 40

// FileStore keeps one JSON file per job in the queue directory. Queue
// order is the lexicographic file name order; the directory is reloaded
// at startup so jobs survive restarts.
type FileStore struct {
	dir string
	log log.Logger

	mu      sync.Mutex
	entries []fileEntry
	nextSeq int64
}

type fileEntry struct {
	seq  int64
	uid  string
	path string
}

func OpenFileStore(dir string, logger log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("queue: file: %w", err)
	}

	s := &FileStore{dir: dir, log: logger, nextSeq: fileSeqBase}

	dirEnts, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("queue: file: %w", err)
	}
	for _, ent := range dirEnts {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".job") {
			continue
		}
		seq, uid, err := parseJobName(ent.Name())
		if err != nil {
			s.log.Msg("skipping unparsable queue entry", "name", ent.Name())
			continue
		}
		s.entries = append(s.entries, fileEntry{seq: seq, uid: uid, path: filepath.Join(dir, ent.Name())})
		if seq >= s.nextSeq {
			s.nextSeq = seq + 1
		}
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].seq < s.entries[j].seq })

	if len(s.entries) != 0 {
		s.log.Msg("loaded saved queue entries", "count", len(s.entries))
	}
	return s, nil
}

func parseJobName(name string) (seq int64, uid string, err error) {
	name = strings.TrimSuffix(name, ".job")
	seqStr, uid, ok := strings.Cut(name, "-")
	if !ok {
		return 0, "", fmt.Errorf("malformed job file name")
	}
	seq, err = strconv.ParseInt(seqStr, 10, 64)
	return seq, uid, err
}

func (s *FileStore) write(seq int64, j *Job) (fileEntry, error) {
	blob, err := json.Marshal(j)
	if err != nil {
		return fileEntry{}, err
	}

	name := fmt.Sprintf("%020d-%s.job", seq, j.UID)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fileEntry{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fileEntry{}, err
	}
	return fileEntry{seq: seq, uid: j.UID, path: path}, nil
}

func (s *FileStore) Enqueue(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	ent, err := s.write(seq, j)
	if err != nil {
		return fmt.Errorf("queue: file: %w", err)
	}
	s.nextSeq++
	s.entries = append(s.entries, ent)
	return nil
}

func (s *FileStore) EnqueueFront(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := fileSeqBase - 1
	if len(s.entries) != 0 {
		seq = s.entries[0].seq - 1
	}
	ent, err := s.write(seq, j)
	if err != nil {
		return fmt.Errorf("queue: file: %w", err)
	}
	s.entries = append([]fileEntry{ent}, s.entries...)
	return nil
}

func (s *FileStore) load(ent fileEntry) (*Job, error) {
	blob, err := os.ReadFile(ent.path)
	if err != nil {
		return nil, fmt.Errorf("queue: file: %w", err)
	}
	j := &Job{}
	if err := json.Unmarshal(blob, j); err != nil {
		return nil, fmt.Errorf("queue: file: %s: %w", ent.path, err)
	}
	return j, nil
}

func (s *FileStore) Dequeue() (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, ErrEmpty
	}

	ent := s.entries[0]
	j, err := s.load(ent)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(ent.path); err != nil {
		return nil, fmt.Errorf("queue: file: %w", err)
	}
	s.entries = s.entries[1:]
	return j, nil
}

func (s *FileStore) Peek() (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, ErrEmpty
	}
	return s.load(s.entries[0])
}

func (s *FileStore) Snapshot() ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.entries))
	for _, ent := range s.entries {
		j, err := s.load(ent)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ent := range s.entries {
		if err := os.Remove(ent.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("queue: file: %w", err)
		}
	}
	s.entries = nil
	return nil
}

func (s *FileStore) removeAt(i int) (*Job, error) {
	ent := s.entries[i]
	j, err := s.load(ent)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(ent.path); err != nil {
		return nil, fmt.Errorf("queue: file: %w", err)
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return j, nil
}

func (s *FileStore) RemoveIndex(i int) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.entries) {
		return nil, ErrNotFound
	}
	return s.removeAt(i)
}

func (s *FileStore) RemoveUID(uid string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ent := range s.entries {
		if ent.uid == uid {
			return s.removeAt(i)
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *FileStore) Close() error {
	return nil
}
