// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	sendQueueDepthValue atomic.Int64
	sendQueueDepth      = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "send_queue_depth",
			Help:      "Number of items waiting in outbound queues",
		},
	)
	destinationQueuesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "destination_queues_running",
			Help:      "Number of destinations with a transaction being prepared or in flight",
		},
	)
	transactionsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "transactions_sent_total",
			Help:      "Number of outbound transactions that were delivered",
		},
		[]string{"kind"},
	)
	transactionsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "transactions_failed_total",
			Help:      "Number of outbound transactions that failed",
		},
		[]string{"kind", "reason"},
	)
)

func init() {
	prometheus.MustRegister(
		sendQueueDepth, destinationQueuesRunning, transactionsSent, transactionsFailed,
	)
}

func observeSendQueueDepth(delta int64) {
	sendQueueDepth.Set(float64(sendQueueDepthValue.Add(delta)))
}
