// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorInvalidRoomInfo is returned when the room info is nil or a stub.
var ErrorInvalidRoomInfo = errors.New("room info is invalid")

// RejectedError is returned when an event is a protocol violation: malformed,
// badly signed or not allowed by the auth rules. It is never retried.
type RejectedError string

func (e RejectedError) Error() string { return string(e) }

// MissingStateError is returned when the state before an event could not be
// determined. The event becomes an outlier.
type MissingStateError string

func (e MissingStateError) Error() string { return string(e) }

// MissingAuthEventError is returned when some of an event's auth events
// could not be found locally or fetched.
type MissingAuthEventError struct {
	EventID         string
	MissingEventIDs []string
}

func (e MissingAuthEventError) Error() string {
	return fmt.Sprintf("event %s is missing auth events: %s", e.EventID, strings.Join(e.MissingEventIDs, ", "))
}

// StorageInconsistencyError means a local invariant has been broken. It
// points at local data corruption or a bug rather than a misbehaving peer.
type StorageInconsistencyError struct {
	RoomID string
	Reason string
}

func (e StorageInconsistencyError) Error() string {
	return fmt.Sprintf("storage inconsistency in room %s: %s", e.RoomID, e.Reason)
}

// IsRejected reports whether err is, or wraps, a RejectedError.
func IsRejected(err error) bool {
	var rejected RejectedError
	return errors.As(err, &rejected)
}

// IsMissingDependency reports whether err means that state or auth events
// were unavailable, which demotes an event to an outlier.
func IsMissingDependency(err error) bool {
	var missingState MissingStateError
	var missingAuth MissingAuthEventError
	return errors.As(err, &missingState) || errors.As(err, &missingAuth)
}
