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

package smtp

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "smtp",
		Name:      "sessions_started",
		Help:      "Accepted protocol sessions",
	})
	sessionsEnded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "smtp",
		Name:      "sessions_ended",
		Help:      "Finished protocol sessions",
	})
	sessionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "smtp",
		Name:      "sessions_rejected",
		Help:      "Connections turned away over the session backlog limit",
	})
	authFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "smtp",
		Name:      "auth_failures",
		Help:      "Failed AUTH exchanges",
	})
	messagesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "smtp",
		Name:      "messages_accepted",
		Help:      "Messages accepted at end of data",
	})
	messagesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "smtp",
		Name:      "messages_rejected",
		Help:      "Messages rejected at end of data",
	})
)

func init() {
	prometheus.MustRegister(sessionsStarted, sessionsEnded, sessionsRejected,
		authFailures, messagesAccepted, messagesRejected)
}
