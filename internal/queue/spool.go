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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/transilvlad/robin-sub002/framework/buffer"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

// SpoolPayload makes sure a file-backed payload lives inside the queue
// directory so it survives whatever spool cleanup runs on session close.
// Rename first, copy+delete when the spool and queue directories sit on
// different filesystems. In-memory payloads are serialized inline and
// need no move. Idempotent.
func SpoolPayload(queueDir string, e *msg.Envelope) error {
	fb, ok := e.Body.(buffer.FileBuffer)
	if !ok {
		return nil
	}

	if filepath.Dir(filepath.Clean(fb.Path)) == filepath.Clean(queueDir) {
		return nil
	}

	dest := filepath.Join(queueDir, filepath.Base(fb.Path))
	if err := os.Rename(fb.Path, dest); err != nil {
		if copyErr := copyFile(fb.Path, dest); copyErr != nil {
			return fmt.Errorf("queue: spool: %w", copyErr)
		}
		os.Remove(fb.Path)
	}

	e.Body = buffer.FileBuffer{Path: dest, LenHint: fb.LenHint}
	return nil
}

// RemovePayload deletes a file-backed payload after final delivery or
// bounce.
func RemovePayload(e *msg.Envelope) {
	if fb, ok := e.Body.(buffer.FileBuffer); ok {
		os.Remove(fb.Path)
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
