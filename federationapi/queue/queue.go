// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/element-hq/fedcore/federationapi/statistics"
	"github.com/element-hq/fedcore/federationapi/storage"
	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/setup/config"
)

// OutgoingQueues is a collection of queues for sending transactions to
// other servers, application services and push gateways.
type OutgoingQueues struct {
	ctx         context.Context
	db          storage.Database
	events      EventSource
	cfg         *config.FederationAPI
	origin      spec.ServerName
	statistics  *statistics.Statistics
	senders     Senders
	semaphore   *semaphore.Weighted
	queuesMutex sync.Mutex // protects the below
	queues      map[types.Destination]*destinationQueue
}

// NewOutgoingQueues makes a new OutgoingQueues. Nothing is sent for items
// stored before a restart until Start is called.
func NewOutgoingQueues(
	ctx context.Context,
	db storage.Database,
	events EventSource,
	cfg *config.FederationAPI,
	statistics *statistics.Statistics,
	senders Senders,
) *OutgoingQueues {
	q := &OutgoingQueues{
		ctx:        ctx,
		db:         db,
		events:     events,
		cfg:        cfg,
		statistics: statistics,
		senders:    senders,
		semaphore:  semaphore.NewWeighted(int64(cfg.SendQueue.MaxConcurrentRequests)),
		queues:     map[types.Destination]*destinationQueue{},
	}
	if cfg.Matrix != nil {
		q.origin = cfg.Matrix.ServerName
	}
	return q
}

// Start restores the retry state, resumes every destination that still has
// items in storage and starts the periodic retry sweep.
func (oqs *OutgoingQueues) Start() error {
	if err := oqs.statistics.Load(oqs.ctx); err != nil {
		return fmt.Errorf("oqs.statistics.Load: %w", err)
	}
	if err := oqs.resume(oqs.ctx); err != nil {
		return err
	}
	go oqs.sweepLoop()
	return nil
}

func (oqs *OutgoingQueues) resume(ctx context.Context) error {
	destinations, err := oqs.db.PendingDestinations(ctx)
	if err != nil {
		return fmt.Errorf("oqs.db.PendingDestinations: %w", err)
	}
	for _, destination := range destinations {
		if err = oqs.db.RequeueActive(ctx, destination, oqs.cfg.SendQueue.BatchSize); err != nil {
			return fmt.Errorf("oqs.db.RequeueActive: %w", err)
		}
		count, err := oqs.db.ItemCount(ctx, destination)
		if err != nil {
			return fmt.Errorf("oqs.db.ItemCount: %w", err)
		}
		active, err := oqs.db.ActiveItems(ctx, destination)
		if err != nil {
			return fmt.Errorf("oqs.db.ActiveItems: %w", err)
		}
		oq := oqs.reserve(destination, int64(count))
		hasActive := len(active) > 0
		oq.Act(nil, func() {
			oq.resume(hasActive)
		})
		logrus.WithFields(logrus.Fields{
			"destination": destination.String(),
			"items":       count,
		}).Info("Resuming outbound queue")
	}
	return nil
}

func (oqs *OutgoingQueues) getQueue(destination types.Destination) *destinationQueue {
	oq := oqs.queues[destination]
	if oq == nil {
		oq = &destinationQueue{
			queues:      oqs,
			destination: destination,
			statistics:  oqs.statistics.ForDestination(destination),
		}
		oqs.queues[destination] = oq
	}
	return oq
}

// reserve counts n items against the queue of a destination before they
// are stored, so that the sweep never forgets a queue with work coming.
func (oqs *OutgoingQueues) reserve(destination types.Destination, n int64) *destinationQueue {
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	oq := oqs.getQueue(destination)
	oq.addDepth(n)
	return oq
}

// SendEvent queues a stored event for the given destinations.
func (oqs *OutgoingQueues) SendEvent(ctx context.Context, eventID string, destinations []types.Destination) error {
	var errs []error
	for _, destination := range destinations {
		if err := oqs.Enqueue(ctx, destination, types.QueuedItem{Kind: types.ItemPDU, EventID: eventID}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendEDU queues an EDU for other servers. Reliable EDUs are stored and
// survive restarts, the others are kept in memory only.
func (oqs *OutgoingQueues) SendEDU(ctx context.Context, edu *types.EDU, destinations []spec.ServerName, reliable bool) error {
	kind := types.ItemEphemeral
	if reliable {
		kind = types.ItemEDU
	}
	var errs []error
	for _, serverName := range destinations {
		item := types.QueuedItem{Kind: kind, EDU: edu}
		if err := oqs.Enqueue(ctx, types.FederationDestination(serverName), item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enqueue adds an item to the queue of a destination and wakes it up.
// Durable items are stored before this returns.
func (oqs *OutgoingQueues) Enqueue(ctx context.Context, destination types.Destination, item types.QueuedItem) error {
	if !oqs.accepts(destination, item) {
		return nil
	}
	switch item.Kind {
	case types.ItemEphemeral:
		if item.EDU == nil {
			return fmt.Errorf("ephemeral EDU without a payload")
		}
		oq := oqs.reserve(destination, 1)
		oq.Act(nil, func() {
			oq.addEphemeral(item.EDU)
			oq.wake()
		})
	case types.ItemPDU, types.ItemEDU:
		oq := oqs.reserve(destination, 1)
		if _, err := oqs.db.Enqueue(ctx, destination, item); err != nil {
			oq.releaseDepth(1)
			return fmt.Errorf("oqs.db.Enqueue: %w", err)
		}
		oq.Act(nil, oq.wake)
	default:
		return fmt.Errorf("unknown item kind %d", item.Kind)
	}
	return nil
}

func (oqs *OutgoingQueues) accepts(destination types.Destination, item types.QueuedItem) bool {
	logger := logrus.WithField("destination", destination.String())
	switch destination.Kind {
	case types.KindFederation:
		if destination.ServerName == oqs.origin {
			return false
		}
		if oqs.cfg.IsDenied(destination.ServerName) {
			logger.Debug("Not queueing for a denied destination")
			return false
		}
		return true
	case types.KindPush, types.KindAppService:
		// Push gateways and application services only receive room events.
		return item.Kind == types.ItemPDU
	default:
		logger.Warn("Not queueing for an unknown kind of destination")
		return false
	}
}

// DeleteAll forgets everything queued for a destination, for example when
// an application service is unregistered.
func (oqs *OutgoingQueues) DeleteAll(ctx context.Context, destination types.Destination) error {
	if err := oqs.db.DeleteAll(ctx, destination); err != nil {
		return fmt.Errorf("oqs.db.DeleteAll: %w", err)
	}
	oqs.queuesMutex.Lock()
	oq := oqs.queues[destination]
	oqs.queuesMutex.Unlock()
	if oq != nil {
		phony.Block(oq, func() {
			oq.ephemeral = nil
		})
		oq.releaseDepth(oq.depth.Load())
		oq.statistics.Success(ctx)
	}
	return nil
}

// QueueDepth returns how many items wait for each known destination.
func (oqs *OutgoingQueues) QueueDepth() map[types.Destination]int {
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	depths := make(map[types.Destination]int, len(oqs.queues))
	for destination, oq := range oqs.queues {
		depths[destination] = int(oq.depth.Load())
	}
	return depths
}

// FailedDestinations returns the retry state of every destination whose
// last transaction failed.
func (oqs *OutgoingQueues) FailedDestinations() map[types.Destination]types.RetryState {
	return oqs.statistics.Failing()
}

// DestinationStatus describes the queue of one destination.
type DestinationStatus struct {
	Destination types.Destination
	Depth       int
	Status      types.TransactionStatus
}

// Destinations returns the status of every known destination, ordered by key.
func (oqs *OutgoingQueues) Destinations() []DestinationStatus {
	result := make([]DestinationStatus, 0)
	for _, oq := range oqs.snapshot() {
		result = append(result, DestinationStatus{
			Destination: oq.destination,
			Depth:       int(oq.depth.Load()),
			Status:      oq.status(),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Destination.Key() < result[j].Destination.Key()
	})
	return result
}

func (oqs *OutgoingQueues) snapshot() []*destinationQueue {
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	queues := make([]*destinationQueue, 0, len(oqs.queues))
	for _, oq := range oqs.queues {
		queues = append(queues, oq)
	}
	return queues
}

func (oqs *OutgoingQueues) sweepLoop() {
	ticker := time.NewTicker(oqs.cfg.SendQueue.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-oqs.ctx.Done():
			return
		case <-ticker.C:
			oqs.sweep()
		}
	}
}

// sweep retries failed destinations whose backoff has expired and forgets
// idle destinations with nothing queued.
func (oqs *OutgoingQueues) sweep() {
	for _, oq := range oqs.snapshot() {
		var idle bool
		phony.Block(oq, func() {
			switch oq.state {
			case types.Failed:
				oq.wake()
			case types.Idle:
				idle = len(oq.ephemeral) == 0
			}
		})
		if idle {
			oqs.forget(oq)
		}
	}
}

func (oqs *OutgoingQueues) forget(oq *destinationQueue) {
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	if oqs.queues[oq.destination] != oq || oq.depth.Load() != 0 {
		return
	}
	var idle bool
	phony.Block(oq, func() {
		idle = oq.state == types.Idle
	})
	if idle {
		delete(oqs.queues, oq.destination)
		oqs.statistics.Forget(oq.destination)
	}
}
