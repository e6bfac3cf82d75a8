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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// sqlTableRe rejects table names that cannot be safely interpolated
// into SQL text.
var sqlTableRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SQLStore keeps the queue in a single table:
//
//	id       auto-increment primary key
//	uid      job UID
//	priority 0 for Enqueue, 1 for EnqueueFront
//	data     JSON-serialized job
//
// Queue order is priority descending, then insertion order.
type SQLStore struct {
	db     *sql.DB
	driver string
	table  string
}

func OpenSQLStore(driver, dsn, table string) (*SQLStore, error) {
	if !sqlTableRe.MatchString(table) {
		return nil, fmt.Errorf("queue: sql: invalid table name: %q", table)
	}

	switch driver {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("queue: sql: unsupported driver: %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: sql: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, table: table}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	var idCol string
	switch s.driver {
	case "sqlite":
		idCol = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	case "postgres":
		idCol = "id BIGSERIAL PRIMARY KEY"
	case "mysql":
		idCol = "id BIGINT AUTO_INCREMENT PRIMARY KEY"
	}

	_, err := s.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (%s, uid VARCHAR(64) NOT NULL, priority INTEGER NOT NULL DEFAULT 0, data BLOB NOT NULL)`,
		s.table, idCol))
	if err != nil && s.driver == "postgres" {
		// Postgres has BYTEA, not BLOB.
		_, err = s.db.Exec(fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (%s, uid VARCHAR(64) NOT NULL, priority INTEGER NOT NULL DEFAULT 0, data BYTEA NOT NULL)`,
			s.table, idCol))
	}
	if err != nil {
		return fmt.Errorf("queue: sql: %w", err)
	}
	return nil
}

// rebind converts ?-style placeholders for drivers that use them.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *SQLStore) insert(j *Job, priority int) error {
	blob, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: sql: %w", err)
	}
	_, err = s.db.Exec(s.rebind(
		fmt.Sprintf(`INSERT INTO %s (uid, priority, data) VALUES (?, ?, ?)`, s.table)),
		j.UID, priority, blob)
	if err != nil {
		return fmt.Errorf("queue: sql: %w", err)
	}
	return nil
}

func (s *SQLStore) Enqueue(j *Job) error {
	return s.insert(j, 0)
}

func (s *SQLStore) EnqueueFront(j *Job) error {
	return s.insert(j, 1)
}

func (s *SQLStore) orderedSelect(limit string) string {
	return fmt.Sprintf(`SELECT id, data FROM %s ORDER BY priority DESC, id ASC %s`, s.table, limit)
}

func (s *SQLStore) head() (int64, *Job, error) {
	var id int64
	var blob []byte
	err := s.db.QueryRow(s.orderedSelect("LIMIT 1")).Scan(&id, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrEmpty
	}
	if err != nil {
		return 0, nil, fmt.Errorf("queue: sql: %w", err)
	}

	j := &Job{}
	if err := json.Unmarshal(blob, j); err != nil {
		return 0, nil, fmt.Errorf("queue: sql: %w", err)
	}
	return id, j, nil
}

func (s *SQLStore) Dequeue() (*Job, error) {
	id, j, err := s.head()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(s.rebind(
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table)), id); err != nil {
		return nil, fmt.Errorf("queue: sql: %w", err)
	}
	return j, nil
}

func (s *SQLStore) Peek() (*Job, error) {
	_, j, err := s.head()
	return j, err
}

func (s *SQLStore) Snapshot() ([]*Job, error) {
	rows, err := s.db.Query(s.orderedSelect(""))
	if err != nil {
		return nil, fmt.Errorf("queue: sql: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("queue: sql: %w", err)
		}
		j := &Job{}
		if err := json.Unmarshal(blob, j); err != nil {
			return nil, fmt.Errorf("queue: sql: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: sql: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Clear() error {
	if _, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("queue: sql: %w", err)
	}
	return nil
}

func (s *SQLStore) RemoveIndex(i int) (*Job, error) {
	if i < 0 {
		return nil, ErrNotFound
	}

	var id int64
	var blob []byte
	err := s.db.QueryRow(s.rebind(
		s.orderedSelect("LIMIT 1 OFFSET ?")), i).Scan(&id, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: sql: %w", err)
	}

	j := &Job{}
	if err := json.Unmarshal(blob, j); err != nil {
		return nil, fmt.Errorf("queue: sql: %w", err)
	}
	if _, err := s.db.Exec(s.rebind(
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table)), id); err != nil {
		return nil, fmt.Errorf("queue: sql: %w", err)
	}
	return j, nil
}

func (s *SQLStore) RemoveUID(uid string) (*Job, error) {
	var id int64
	var blob []byte
	err := s.db.QueryRow(s.rebind(
		fmt.Sprintf(`SELECT id, data FROM %s WHERE uid = ? ORDER BY priority DESC, id ASC LIMIT 1`, s.table)),
		uid).Scan(&id, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: sql: %w", err)
	}

	j := &Job{}
	if err := json.Unmarshal(blob, j); err != nil {
		return nil, fmt.Errorf("queue: sql: %w", err)
	}
	if _, err := s.db.Exec(s.rebind(
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table)), id); err != nil {
		return nil, fmt.Errorf("queue: sql: %w", err)
	}
	return j, nil
}

func (s *SQLStore) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: sql: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
