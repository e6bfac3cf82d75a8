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

package buffer

import (
	"bytes"
)

// BytesReader wraps bytes.Reader while keeping the original slice
// reachable.
//
// Some libraries special-case readers that expose a Bytes() method to
// avoid copying; this wrapper makes MemoryBuffer eligible for that
// optimization.
type BytesReader struct {
	*bytes.Reader
	value []byte
}

// Bytes returns the unread remainder of the slice the reader was
// constructed from.
func (br BytesReader) Bytes() []byte {
	return br.value[int(br.Size())-br.Len():]
}

// Copy returns a BytesReader positioned over the same remaining bytes.
func (br BytesReader) Copy() BytesReader {
	return NewBytesReader(br.Bytes())
}

// Close implements io.Closer so BytesReader can be returned from
// MemoryBuffer.Open directly. It does nothing.
func (br BytesReader) Close() error {
	return nil
}

func NewBytesReader(b []byte) BytesReader {
	// Value type on purpose: BytesReader already carries two pointers,
	// another level of indirection would buy nothing.
	return BytesReader{
		Reader: bytes.NewReader(b),
		value:  b,
	}
}
