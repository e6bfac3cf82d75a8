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

// The buffer package provides the abstraction used to hold message bodies
// while they pass through the server, no matter whether they are small
// enough to sit in memory or have been spilled to disk.
package buffer

import (
	"io"
)

// Buffer is abstract immutable storage for a single blob.
//
// Stored contents never change after creation. Any modification requires a
// new storage location; this is what makes it safe to hand the same Buffer
// to multiple goroutines (for example, a message body being both scanned
// and streamed upstream).
//
// Lifetime convention: whoever created the Buffer calls Remove once it is
// no longer needed. A Buffer passed into a function is not guaranteed to
// outlive that call; callees that need to keep the contents must re-buffer
// them (read the blob out, or use implementation specifics such as
// hard-linking the file behind a FileBuffer).
type Buffer interface {
	// Open creates a new Reader over the stored blob. Multiple concurrent
	// readers are allowed.
	Open() (io.ReadCloser, error)

	// Len reports the blob size in bytes, i.e. how much a fresh Reader
	// will produce before io.EOF.
	Len() int

	// Remove discards the stored blob and releases associated resources.
	//
	// Several Buffer values may share one underlying storage; Remove must
	// then be called exactly once for the group. Readers already opened
	// stay usable, new ones cannot be created.
	Remove() error
}
