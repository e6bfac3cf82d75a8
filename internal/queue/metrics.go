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

import "github.com/prometheus/client_golang/prometheus"

var queuedJobs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "robin",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Amount of queued relay jobs",
	},
	[]string{"backend"},
)

var deliveredEnvelopes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "queue",
		Name:      "delivered_envelopes",
		Help:      "Envelopes fully delivered by the retry cron",
	},
	[]string{"protocol"},
)

var bouncedEnvelopes = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "queue",
		Name:      "bounced_envelopes",
		Help:      "Envelopes bounced after retry exhaustion",
	},
)

func init() {
	prometheus.MustRegister(queuedJobs, deliveredEnvelopes, bouncedEnvelopes)
}
