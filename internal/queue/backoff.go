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
	"math"
	"time"
)

// Backoff returns the wait before retry n (zero-based). Geometric
// growth, rounded to whole seconds: with the defaults (1 minute base,
// factor 1.2, 30 retries) the cumulative wait is roughly a day.
func Backoff(firstWaitMinutes, growthFactor float64, n int) time.Duration {
	secs := math.Round(firstWaitMinutes * math.Pow(growthFactor, float64(n)) * 60)
	return time.Duration(secs) * time.Second
}
