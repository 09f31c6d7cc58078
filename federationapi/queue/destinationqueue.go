// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/fedcore/federationapi/fedclient"
	"github.com/element-hq/fedcore/federationapi/statistics"
	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/internal"
)

// destinationQueue is a queue of items for a single destination. At most one
// transaction is in flight for a destination at any time.
type destinationQueue struct {
	phony.Inbox
	queues      *OutgoingQueues
	destination types.Destination
	statistics  *statistics.DestinationStatistics
	depth       atomic.Int64 // items stored or pending for the destination

	// Only touched from within the inbox or by phony.Block.
	state       types.TransactionState
	dirty       bool // items arrived while a transaction was being built or sent
	lastAttempt time.Time
	ephemeral   []*types.EDU
	delivered   deliveredEvents
}

type batch struct {
	txnID     string
	durable   []types.QueuedItem
	ephemeral []*types.EDU
	// delivered holds the events of the batch that already reached
	// transports which deliver them one at a time. It survives a retry of
	// the same transaction.
	delivered map[string]struct{}
}

type deliveredEvents struct {
	txnID    string
	eventIDs map[string]struct{}
}

func (b *batch) empty() bool {
	return len(b.durable) == 0 && len(b.ephemeral) == 0
}

// transactionID derives the transaction ID from the items in the batch, so
// a retried batch is sent again under the same ID.
func transactionID(b *batch) string {
	h := sha256.New()
	for _, item := range b.durable {
		h.Write([]byte(item.Key()))
		h.Write([]byte{0})
	}
	for _, edu := range b.ephemeral {
		h.Write([]byte(types.QueuedItem{Kind: types.ItemEphemeral, EDU: edu}.Key()))
		h.Write([]byte{0})
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func (oq *destinationQueue) addDepth(n int64) {
	oq.depth.Add(n)
	observeSendQueueDepth(n)
}

// releaseDepth subtracts up to n items without going below zero.
func (oq *destinationQueue) releaseDepth(n int64) {
	for n > 0 {
		current := oq.depth.Load()
		release := n
		if release > current {
			release = current
		}
		if release <= 0 {
			return
		}
		if oq.depth.CompareAndSwap(current, current-release) {
			observeSendQueueDepth(-release)
			return
		}
	}
}

func (oq *destinationQueue) status() (status types.TransactionStatus) {
	phony.Block(oq, func() {
		status.State = oq.state
		status.LastAttempt = oq.lastAttempt
	})
	status.FailureCount = oq.statistics.FailureCount()
	return
}

// addEphemeral keeps at most one transaction's worth of ephemeral EDUs,
// dropping the oldest. Must be called from within the inbox.
func (oq *destinationQueue) addEphemeral(edu *types.EDU) {
	oq.ephemeral = append(oq.ephemeral, edu)
	if max := oq.queues.cfg.SendQueue.MaxEphemeralPerTransaction; len(oq.ephemeral) > max {
		dropped := len(oq.ephemeral) - max
		oq.ephemeral = append([]*types.EDU(nil), oq.ephemeral[dropped:]...)
		oq.releaseDepth(int64(dropped))
	}
}

// wake tells the queue that there is something new to send. Must be called
// from within the inbox.
func (oq *destinationQueue) wake() {
	switch oq.state {
	case types.Idle:
		oq.start(types.Running, false)
	case types.Running, types.Retrying:
		oq.dirty = true
	case types.Failed:
		if oq.statistics.BackingOff() {
			return
		}
		oq.start(types.Retrying, true)
	}
}

// resume decides how a queue restored at startup gets going. Must be
// called from within the inbox.
func (oq *destinationQueue) resume(hasActive bool) {
	switch {
	case oq.state != types.Idle:
		oq.dirty = true
	case oq.statistics.BackingOff():
		oq.state = types.Failed
	case hasActive || oq.statistics.FailureCount() > 0:
		oq.start(types.Retrying, true)
	default:
		oq.start(types.Running, false)
	}
}

func (oq *destinationQueue) start(state types.TransactionState, retrying bool) {
	oq.state = state
	oq.dirty = false
	destinationQueuesRunning.Inc()
	go oq.backgroundSend(retrying)
}

// backgroundSend sends transactions until there is nothing left or one of
// them fails.
func (oq *destinationQueue) backgroundSend(retrying bool) {
	defer destinationQueuesRunning.Dec()
	ctx := oq.queues.ctx
	kind := oq.destination.Kind.String()
	batchSize := oq.queues.cfg.SendQueue.BatchSize
	logger := logrus.WithField("destination", oq.destination.String())

	for {
		b, err := oq.nextBatch(ctx, retrying)
		if err != nil {
			if ctx.Err() == nil {
				oq.failed(ctx, err)
			}
			return
		}
		if !b.empty() {
			err = oq.sendBatch(ctx, b)
		}
		if ctx.Err() != nil {
			phony.Block(oq, func() {
				oq.state = types.Idle
			})
			return
		}
		switch {
		case err == nil:
		case isPermanent(err):
			logger.WithError(err).WithField("items", len(b.durable)).Warn("Dropping transaction that can never be delivered")
			transactionsFailed.WithLabelValues(kind, "permanent").Inc()
		default:
			oq.failed(ctx, err)
			return
		}
		if len(b.durable) > 0 {
			if derr := oq.queues.db.DeleteActive(ctx, oq.destination); derr != nil {
				oq.failed(ctx, derr)
				return
			}
			oq.releaseDepth(int64(len(b.durable)))
		}
		oq.statistics.Success(ctx)
		if err == nil && !b.empty() {
			transactionsSent.WithLabelValues(kind).Inc()
		}
		if !oq.next(len(b.durable) >= batchSize) {
			return
		}
		retrying = false
	}
}

// nextBatch marks the next items as active. When retrying, the items of the
// failed transaction go first so that they are sent again.
func (oq *destinationQueue) nextBatch(ctx context.Context, retrying bool) (*batch, error) {
	limit := oq.queues.cfg.SendQueue.BatchSize
	b := &batch{}
	if retrying {
		active, err := oq.queues.db.ActiveItems(ctx, oq.destination)
		if err != nil {
			return nil, err
		}
		b.durable = active
		limit -= len(active)
	}
	if limit > 0 {
		items, err := oq.queues.db.MarkActive(ctx, oq.destination, limit)
		if err != nil {
			return nil, err
		}
		b.durable = append(b.durable, items...)
	}
	if oq.destination.Kind == types.KindFederation {
		max := oq.queues.cfg.SendQueue.MaxEphemeralPerTransaction
		phony.Block(oq, func() {
			n := len(oq.ephemeral)
			if n > max {
				n = max
			}
			b.ephemeral = oq.ephemeral[:n:n]
			oq.ephemeral = append([]*types.EDU(nil), oq.ephemeral[n:]...)
		})
		oq.releaseDepth(int64(len(b.ephemeral)))
	}
	b.txnID = transactionID(b)
	phony.Block(oq, func() {
		if oq.delivered.txnID != b.txnID {
			oq.delivered = deliveredEvents{txnID: b.txnID, eventIDs: map[string]struct{}{}}
		}
		b.delivered = oq.delivered.eventIDs
	})
	return b, nil
}

func (oq *destinationQueue) sendBatch(ctx context.Context, b *batch) error {
	if err := oq.queues.semaphore.Acquire(ctx, 1); err != nil {
		return err
	}
	defer oq.queues.semaphore.Release(1)

	trace, ctx := internal.StartRegion(ctx, "destinationQueue.sendBatch")
	defer trace.EndRegion()
	trace.SetTag("destination", oq.destination.String())
	trace.SetTag("txn_id", b.txnID)

	phony.Block(oq, func() {
		oq.lastAttempt = time.Now()
	})
	return oq.queues.deliver(ctx, oq.destination, b)
}

// next decides whether the worker carries on. Items that arrived during the
// transaction, or a full batch, mean there may be more to send.
func (oq *destinationQueue) next(full bool) (again bool) {
	phony.Block(oq, func() {
		if full || oq.dirty {
			oq.dirty = false
			oq.state = types.Running
			again = true
			return
		}
		oq.state = types.Idle
	})
	return
}

func (oq *destinationQueue) failed(ctx context.Context, err error) {
	until, count := oq.statistics.Failure(ctx)
	transactionsFailed.WithLabelValues(oq.destination.Kind.String(), "transient").Inc()
	logger := logrus.WithError(err).WithFields(logrus.Fields{
		"destination": oq.destination.String(),
		"failures":    count,
		"retry_at":    until,
	})
	if code := fedclient.StatusCode(err); code != 0 {
		logger = logger.WithField("status", code)
	}
	logger.Warn("Failed to send transaction, backing off")
	phony.Block(oq, func() {
		oq.state = types.Failed
		oq.dirty = false
	})
}
