// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// DestinationKind says what kind of peer a destination is.
type DestinationKind int

const (
	// KindFederation is another homeserver, reached through /send.
	KindFederation DestinationKind = iota + 1
	// KindPush is a pusher of a local user, reached through its push gateway.
	KindPush
	// KindAppService is an application service registered with us.
	KindAppService
)

func (k DestinationKind) String() string {
	switch k {
	case KindFederation:
		return "federation"
	case KindPush:
		return "push"
	case KindAppService:
		return "appservice"
	default:
		return "unknown"
	}
}

const pushKeySeparator = "\x1f"

// Destination is a peer that receives outbound transactions.
type Destination struct {
	Kind DestinationKind
	// Set for KindFederation.
	ServerName spec.ServerName
	// Set for KindPush.
	UserID  string
	PushKey string
	// Set for KindAppService.
	AppServiceID string
}

func FederationDestination(serverName spec.ServerName) Destination {
	return Destination{Kind: KindFederation, ServerName: serverName}
}

func PushDestination(userID, pushKey string) Destination {
	return Destination{Kind: KindPush, UserID: userID, PushKey: pushKey}
}

func AppServiceDestination(appServiceID string) Destination {
	return Destination{Kind: KindAppService, AppServiceID: appServiceID}
}

// Key is the stable string form of the destination, used in storage.
func (d Destination) Key() string {
	switch d.Kind {
	case KindFederation:
		return "fed:" + string(d.ServerName)
	case KindPush:
		return "push:" + d.UserID + pushKeySeparator + d.PushKey
	case KindAppService:
		return "as:" + d.AppServiceID
	default:
		return ""
	}
}

func (d Destination) String() string {
	if d.Kind == KindPush {
		return "push:" + d.UserID + "/" + d.PushKey
	}
	return d.Key()
}

// ParseDestination is the inverse of Destination.Key.
func ParseDestination(key string) (Destination, error) {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok || rest == "" {
		return Destination{}, fmt.Errorf("invalid destination key %q", key)
	}
	switch kind {
	case "fed":
		return FederationDestination(spec.ServerName(rest)), nil
	case "push":
		userID, pushKey, ok := strings.Cut(rest, pushKeySeparator)
		if !ok || userID == "" {
			return Destination{}, fmt.Errorf("invalid push destination key %q", key)
		}
		return PushDestination(userID, pushKey), nil
	case "as":
		return AppServiceDestination(rest), nil
	default:
		return Destination{}, fmt.Errorf("unknown destination kind in %q", key)
	}
}

// ItemKind says what a queued item carries.
type ItemKind int

const (
	// ItemPDU refers to a persisted room event.
	ItemPDU ItemKind = iota + 1
	// ItemEDU is a durable EDU that survives restarts.
	ItemEDU
	// ItemEphemeral is a best-effort EDU that is only kept in memory.
	ItemEphemeral
)

// EDU is an ephemeral data unit as sent in federation transactions.
type EDU struct {
	Type    string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

// QueuedItem is one entry of a destination's queue.
type QueuedItem struct {
	Kind ItemKind
	// Set for ItemPDU.
	EventID string
	// Set for ItemEDU and ItemEphemeral.
	EDU *EDU
	// NID is the storage ID of a durable item, 0 before it is stored.
	NID int64
}

// Key identifies the item within a transaction. Retried batches produce
// the same keys.
func (i QueuedItem) Key() string {
	switch i.Kind {
	case ItemPDU:
		return "pdu:" + i.EventID
	case ItemEDU:
		return fmt.Sprintf("edu:%d", i.NID)
	default:
		if i.EDU == nil {
			return "ephemeral:"
		}
		return "ephemeral:" + i.EDU.Type + ":" + string(i.EDU.Content)
	}
}

// Durable reports whether the item is persisted before delivery.
func (i QueuedItem) Durable() bool {
	return i.Kind == ItemPDU || i.Kind == ItemEDU
}

// TransactionState is the delivery state of a destination.
type TransactionState int

const (
	// Idle destinations have no worker running.
	Idle TransactionState = iota
	// Running destinations have a worker sending transactions.
	Running
	// Failed destinations wait for their backoff to expire.
	Failed
	// Retrying destinations resend their previous batch.
	Retrying
)

func (s TransactionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Retrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// TransactionStatus is the state of a destination along with its failures.
type TransactionStatus struct {
	State        TransactionState
	FailureCount uint32
	LastAttempt  time.Time
}

// RetryState is the persisted backoff of a destination.
type RetryState struct {
	FailureCount uint32
	RetryUntil   spec.Timestamp
}
