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

package remote

import "github.com/prometheus/client_golang/prometheus"

var connects = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "remote",
		Name:      "conns_initiated",
		Help:      "Outbound connections established, per security policy",
	},
	[]string{"policy"},
)

var connectsFailed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "remote",
		Name:      "conns_failed",
		Help:      "Outbound connection attempts that failed, per security policy",
	},
	[]string{"policy"},
)

var deliveredRcpts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "remote",
		Name:      "delivered_recipients",
		Help:      "Recipients accepted by remote mail exchangers",
	},
)

func init() {
	prometheus.MustRegister(connects, connectsFailed, deliveredRcpts)
}
