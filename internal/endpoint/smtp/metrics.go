/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

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

import (
	"strconv"

	"github.com/foxcpp/mailfilter/framework/smtpd"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	startedSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailfilter",
			Subsystem: "smtp",
			Name:      "started_sessions",
			Help:      "Amount of SMTP sessions started",
		},
		[]string{"endpoint"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailfilter",
			Subsystem: "smtp",
			Name:      "active_sessions",
			Help:      "Amount of SMTP sessions currently served",
		},
		[]string{"endpoint"},
	)
	replies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailfilter",
			Subsystem: "smtp",
			Name:      "replies",
			Help:      "Replies sent, by verb and code class",
		},
		[]string{"endpoint", "verb", "class"},
	)
	completedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailfilter",
			Subsystem: "smtp",
			Name:      "completed_transactions",
			Help:      "Mail transactions that ended with a positive reply",
		},
		[]string{"endpoint"},
	)
	failedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailfilter",
			Subsystem: "smtp",
			Name:      "failed_transactions",
			Help:      "Mail transactions rejected by the core or a filter",
		},
		[]string{"endpoint", "module", "smtp_code"},
	)
	failedLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailfilter",
			Subsystem: "smtp",
			Name:      "failed_logins",
			Help:      "AUTH command failures",
		},
		[]string{"endpoint"},
	)
)

func codeClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

func registerMetrics(reg *smtpd.Registry, endpName string) {
	reg.OnReply(func(_ *smtpd.Context, verb string, code int) {
		replies.WithLabelValues(endpName, verb, codeClass(code)).Inc()
		if code == 535 {
			failedLogins.WithLabelValues(endpName).Inc()
		}
	})
	reg.OnReset(func(c *smtpd.Context) {
		switch code := c.Transaction.Code; {
		case code == 0:
		case code < 400:
			completedTransactions.WithLabelValues(endpName).Inc()
		default:
			failedTransactions.WithLabelValues(endpName, c.Transaction.Module, strconv.Itoa(code)).Inc()
		}
	})
}

func sessionStarted(endpName string) {
	startedSessions.WithLabelValues(endpName).Inc()
	activeSessions.WithLabelValues(endpName).Inc()
}

func sessionEnded(endpName string) {
	activeSessions.WithLabelValues(endpName).Dec()
}

func init() {
	prometheus.MustRegister(startedSessions)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(replies)
	prometheus.MustRegister(completedTransactions)
	prometheus.MustRegister(failedTransactions)
	prometheus.MustRegister(failedLogins)
}
