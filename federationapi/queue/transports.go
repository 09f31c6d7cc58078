// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/fedcore/federationapi/fedclient"
	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/internal/pushgateway"
	rstypes "github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

// EventSource looks up the events referenced by queued PDUs.
type EventSource interface {
	Event(ctx context.Context, eventID string) (*rstypes.StoredEvent, error)
}

type FederationSender interface {
	SendTransaction(ctx context.Context, destination spec.ServerName, txn fedclient.Transaction) error
}

type AppServiceSender interface {
	SendTransaction(ctx context.Context, as *config.ApplicationService, txnID string, events []json.RawMessage) error
}

// Senders are the transports used for each kind of destination.
type Senders struct {
	Federation  FederationSender
	AppService  AppServiceSender
	AppServices *config.AppServiceAPI
	Push        pushgateway.Client
	Pushers     *pushgateway.Registry
}

// permanentError wraps a failure that retrying can't fix, such as a
// destination that is no longer registered. Errors returned by the remote
// end are never permanent: the items stay queued and the destination backs off.
type permanentError struct {
	error
}

func (e permanentError) Unwrap() error {
	return e.error
}

func isPermanent(err error) bool {
	var perr permanentError
	return errors.As(err, &perr)
}

func (oqs *OutgoingQueues) deliver(ctx context.Context, destination types.Destination, b *batch) error {
	switch destination.Kind {
	case types.KindFederation:
		return oqs.deliverFederation(ctx, destination, b)
	case types.KindAppService:
		return oqs.deliverAppService(ctx, destination, b)
	case types.KindPush:
		return oqs.deliverPush(ctx, destination, b)
	default:
		return permanentError{fmt.Errorf("unknown destination kind %d", destination.Kind)}
	}
}

// pduEvents loads the events of the queued PDUs. Events that can no longer
// be found are skipped.
func (oqs *OutgoingQueues) pduEvents(ctx context.Context, destination types.Destination, b *batch) ([]*rstypes.Event, error) {
	events := make([]*rstypes.Event, 0, len(b.durable))
	for _, item := range b.durable {
		if item.Kind != types.ItemPDU {
			continue
		}
		ev, err := oqs.events.Event(ctx, item.EventID)
		if err != nil {
			return nil, fmt.Errorf("oqs.events.Event: %w", err)
		}
		if ev == nil || ev.Event == nil {
			logrus.WithFields(logrus.Fields{
				"destination": destination.String(),
				"event_id":    item.EventID,
			}).Warn("Queued event no longer exists, skipping")
			continue
		}
		events = append(events, ev.Event)
	}
	return events, nil
}

func (oqs *OutgoingQueues) deliverFederation(ctx context.Context, destination types.Destination, b *batch) error {
	if oqs.senders.Federation == nil {
		return permanentError{fmt.Errorf("no federation sender configured")}
	}
	events, err := oqs.pduEvents(ctx, destination, b)
	if err != nil {
		return err
	}
	txn := fedclient.Transaction{TxnID: b.txnID}
	for _, ev := range events {
		txn.PDUs = append(txn.PDUs, ev.JSON())
	}
	for _, item := range b.durable {
		if item.Kind != types.ItemEDU || item.EDU == nil {
			continue
		}
		edu, err := json.Marshal(item.EDU)
		if err != nil {
			return permanentError{fmt.Errorf("json.Marshal: %w", err)}
		}
		txn.EDUs = append(txn.EDUs, edu)
	}
	for _, e := range b.ephemeral {
		edu, err := json.Marshal(e)
		if err != nil {
			return permanentError{fmt.Errorf("json.Marshal: %w", err)}
		}
		txn.EDUs = append(txn.EDUs, edu)
	}
	if len(txn.PDUs) == 0 && len(txn.EDUs) == 0 {
		return nil
	}
	return oqs.senders.Federation.SendTransaction(ctx, destination.ServerName, txn)
}

func (oqs *OutgoingQueues) deliverAppService(ctx context.Context, destination types.Destination, b *batch) error {
	var as *config.ApplicationService
	if oqs.senders.AppServices != nil {
		as, _ = oqs.senders.AppServices.Registration(destination.AppServiceID)
	}
	if as == nil || oqs.senders.AppService == nil {
		return permanentError{fmt.Errorf("no application service registered as %q", destination.AppServiceID)}
	}
	events, err := oqs.pduEvents(ctx, destination, b)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	clientEvents := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		clientEvent, err := ClientEvent(ev)
		if err != nil {
			return permanentError{err}
		}
		clientEvents = append(clientEvents, clientEvent)
	}
	return oqs.senders.AppService.SendTransaction(ctx, as, b.txnID, clientEvents)
}

// deliverPush sends one notification per event. Redacted events are not
// pushed. A push key rejected by the gateway unregisters the pusher. When
// the batch is retried, events that were already notified are skipped.
func (oqs *OutgoingQueues) deliverPush(ctx context.Context, destination types.Destination, b *batch) error {
	var pusher config.Pusher
	var ok bool
	if oqs.senders.Pushers != nil {
		pusher, ok = oqs.senders.Pushers.Pusher(destination.UserID, destination.PushKey)
	}
	if !ok || oqs.senders.Push == nil {
		return permanentError{fmt.Errorf("no pusher %q registered for %s", destination.PushKey, destination.UserID)}
	}
	events, err := oqs.pduEvents(ctx, destination, b)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if _, ok := b.delivered[ev.EventID()]; ok || ev.Redacted() {
			continue
		}
		req := &pushgateway.NotifyRequest{
			Notification: notification(ev, pusher),
		}
		var resp pushgateway.NotifyResponse
		if err = oqs.senders.Push.Notify(ctx, pusher.URL, req, &resp); err != nil {
			return err
		}
		for _, rejected := range resp.Rejected {
			if rejected == pusher.PushKey {
				oqs.senders.Pushers.Remove(pusher.UserID, pusher.PushKey)
				return permanentError{fmt.Errorf("push gateway rejected push key %q", pusher.PushKey)}
			}
		}
		if b.delivered != nil {
			b.delivered[ev.EventID()] = struct{}{}
		}
	}
	return nil
}

func notification(ev *rstypes.Event, pusher config.Pusher) pushgateway.Notification {
	n := pushgateway.Notification{
		EventID: ev.EventID(),
		RoomID:  ev.RoomID(),
		Sender:  ev.Sender(),
		Type:    ev.Type(),
		Prio:    pushgateway.HighPrio,
		Counts:  &pushgateway.Counts{Unread: 1},
		Devices: []*pushgateway.Device{{
			AppID:   pusher.AppID,
			PushKey: pusher.PushKey,
			Data:    map[string]interface{}{},
		}},
	}
	if pusher.Format != "event_id_only" {
		n.Content = json.RawMessage(ev.Content())
	}
	if ev.StateKeyEquals(pusher.UserID) {
		n.UserIsTarget = true
		if membership, err := ev.Membership(); err == nil {
			n.Membership = membership
		}
	}
	return n
}

// ClientEvent converts a room event into the client format sent to
// application services.
func ClientEvent(ev *rstypes.Event) (json.RawMessage, error) {
	content := ev.Content()
	if len(content) == 0 {
		content = []byte(`{}`)
	}
	out, err := sjson.SetRawBytes([]byte(`{}`), "content", content)
	if err != nil {
		return nil, fmt.Errorf("sjson.SetRawBytes: %w", err)
	}
	fields := []struct {
		path  string
		value interface{}
	}{
		{"event_id", ev.EventID()},
		{"room_id", ev.RoomID()},
		{"sender", ev.Sender()},
		{"type", ev.Type()},
		{"origin_server_ts", uint64(ev.OriginServerTS())},
	}
	if stateKey := ev.StateKey(); stateKey != nil {
		fields = append(fields, struct {
			path  string
			value interface{}
		}{"state_key", *stateKey})
	}
	if redacts := ev.Redacts(); redacts != "" {
		fields = append(fields, struct {
			path  string
			value interface{}
		}{"redacts", redacts})
	}
	for _, field := range fields {
		if out, err = sjson.SetBytes(out, field.path, field.value); err != nil {
			return nil, fmt.Errorf("sjson.SetBytes: %w", err)
		}
	}
	if unsigned := gjson.GetBytes(ev.JSON(), "unsigned"); unsigned.IsObject() {
		if out, err = sjson.SetRawBytes(out, "unsigned", []byte(unsigned.Raw)); err != nil {
			return nil, fmt.Errorf("sjson.SetRawBytes: %w", err)
		}
	}
	return out, nil
}
