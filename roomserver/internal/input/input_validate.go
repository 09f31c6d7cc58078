// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/fedcore/federationapi/keyring"
	"github.com/element-hq/fedcore/internal/util"
	"github.com/element-hq/fedcore/roomserver/types"
)

const (
	maxEventSize       = 65536
	maxPrevEvents      = 20
	maxAuthEvents      = 10
	maxCanonicalNumber = 1<<53 - 1
)

// KeyResolver returns the keys of a server that were valid at a time.
type KeyResolver interface {
	VerifyKeysAt(ctx context.Context, server spec.ServerName, keyIDs []id.KeyID, ts spec.Timestamp, version types.RoomVersion) (map[id.KeyID]keyring.VerifyKey, error)
}

// EventGetter looks up a stored event, returning nil if it is unknown.
type EventGetter interface {
	Event(ctx context.Context, eventID string) (*types.StoredEvent, error)
}

// Validator checks that the JSON of an event received over federation is a
// well-formed event of the room version, signed by the servers that must
// sign it. Events whose content hash does not match are redacted.
type Validator struct {
	DB   EventGetter
	Keys KeyResolver
}

// Validate returns the event described by raw, or a types.RejectedError.
func (v *Validator) Validate(ctx context.Context, origin spec.ServerName, raw []byte, version types.RoomVersion) (*types.Event, error) {
	rules, err := types.RulesFor(version)
	if err != nil {
		return nil, types.RejectedError(err.Error())
	}
	if len(raw) > maxEventSize {
		return nil, types.RejectedError(fmt.Sprintf("event is %d bytes, more than %d", len(raw), maxEventSize))
	}
	stripped, err := types.StripUnsigned(raw)
	if err != nil {
		return nil, types.RejectedError(fmt.Sprintf("event is not valid JSON: %s", err))
	}
	if err = checkEventStructure(stripped, rules); err != nil {
		return nil, types.RejectedError(fmt.Sprintf("event is malformed: %s", err))
	}
	ev, err := types.NewEventFromJSON(stripped, version)
	if err != nil {
		return nil, types.RejectedError(fmt.Sprintf("event is malformed: %s", err))
	}
	logger := logrus.WithFields(logrus.Fields{
		"event_id": ev.EventID(),
		"room_id":  ev.RoomID(),
		"origin":   origin,
	})

	for _, signer := range requiredSigners(ev) {
		if err = v.checkSignature(ctx, ev, signer); err != nil {
			logger.WithError(err).Warn("Dropping event with a bad signature")
			return nil, types.RejectedError(fmt.Sprintf("event %s: %s", ev.EventID(), err))
		}
	}

	if hashErr := types.CheckContentHash(stripped); hashErr != nil {
		stored, err := v.DB.Event(ctx, ev.EventID())
		if err != nil {
			return nil, fmt.Errorf("v.DB.Event: %w", err)
		}
		if stored != nil && !stored.Redacted() {
			return nil, types.RejectedError(fmt.Sprintf(
				"event %s has a bad content hash and an intact copy is already stored", ev.EventID(),
			))
		}
		logger.WithError(hashErr).Info("Event content hash mismatch, using the redacted form")
		redacted, err := ev.Redact()
		if err != nil {
			return nil, types.RejectedError(fmt.Sprintf("event %s could not be redacted: %s", ev.EventID(), err))
		}
		return redacted, nil
	}
	return ev, nil
}

// requiredSigners returns the servers whose signature the event must carry.
func requiredSigners(ev *types.Event) []spec.ServerName {
	sender, _ := util.ServerNameFromID(ev.Sender(), '@')
	signers := []spec.ServerName{sender}
	if ev.VersionRules().AllowRestrictedJoins && ev.Type() == types.MRoomMember {
		if membership, _ := ev.Membership(); membership == types.MembershipJoin {
			authoriser := gjson.GetBytes(ev.Content(), "join_authorised_via_users_server")
			if authoriser.Type == gjson.String {
				if server, err := util.ServerNameFromID(authoriser.Str, '@'); err == nil && server != sender {
					signers = append(signers, server)
				}
			}
		}
	}
	return signers
}

func (v *Validator) checkSignature(ctx context.Context, ev *types.Event, server spec.ServerName) error {
	keyIDs := types.SignatureKeyIDs(ev.JSON(), string(server))
	if len(keyIDs) == 0 {
		return fmt.Errorf("not signed by %s", server)
	}
	keys, err := v.Keys.VerifyKeysAt(ctx, server, keyIDs, ev.OriginServerTS(), ev.Version())
	if err != nil {
		return fmt.Errorf("no usable keys for %s: %w", server, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no key of %s was valid at %d", server, ev.OriginServerTS())
	}
	var lastErr error
	for _, keyID := range keyIDs {
		key, ok := keys[keyID]
		if !ok {
			continue
		}
		if lastErr = types.VerifyEventSignature(ev.JSON(), ev.VersionRules(), string(server), keyID, key.Key); lastErr == nil {
			return nil
		}
	}
	if lastErr == nil {
		return fmt.Errorf("%s signed with keys that were not valid at %d", server, ev.OriginServerTS())
	}
	return fmt.Errorf("signature of %s does not verify: %w", server, lastErr)
}

// checkEventStructure checks the keys and JSON types of an event.
func checkEventStructure(raw []byte, rules types.RoomVersionRules) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("invalid JSON")
	}
	event := gjson.ParseBytes(raw)
	if !event.IsObject() {
		return fmt.Errorf("event is not an object")
	}
	if event.Get("event_id").Exists() {
		return fmt.Errorf("event_id must not be present in room version %s", rules.Version)
	}

	roomID := event.Get("room_id")
	if roomID.Type != gjson.String || !strings.HasPrefix(roomID.Str, "!") {
		return fmt.Errorf("room_id must be a room ID")
	}
	sender := event.Get("sender")
	if sender.Type != gjson.String {
		return fmt.Errorf("sender must be a string")
	}
	if _, err := util.ServerNameFromID(sender.Str, '@'); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if event.Get("type").Type != gjson.String {
		return fmt.Errorf("type must be a string")
	}
	if !event.Get("content").IsObject() {
		return fmt.Errorf("content must be an object")
	}
	if stateKey := event.Get("state_key"); stateKey.Exists() && stateKey.Type != gjson.String {
		return fmt.Errorf("state_key must be a string")
	}
	if redacts := event.Get("redacts"); redacts.Exists() && redacts.Type != gjson.String {
		return fmt.Errorf("redacts must be a string")
	}
	if err := checkEventIDList(event.Get("prev_events"), "prev_events", maxPrevEvents); err != nil {
		return err
	}
	if err := checkEventIDList(event.Get("auth_events"), "auth_events", maxAuthEvents); err != nil {
		return err
	}
	depth := event.Get("depth")
	if !isInteger(depth) || depth.Int() < 0 {
		return fmt.Errorf("depth must be a non-negative integer")
	}
	if !isInteger(event.Get("origin_server_ts")) {
		return fmt.Errorf("origin_server_ts must be an integer")
	}
	if event.Get("hashes.sha256").Type != gjson.String {
		return fmt.Errorf("hashes.sha256 must be a string")
	}
	if !event.Get("signatures").IsObject() {
		return fmt.Errorf("signatures must be an object")
	}
	if rules.StrictCanonicalJSON {
		if err := types.CheckStrictNumbers(raw); err != nil {
			return err
		}
	}
	return nil
}

func checkEventIDList(list gjson.Result, key string, limit int) error {
	if !list.IsArray() {
		return fmt.Errorf("%s must be an array", key)
	}
	entries := list.Array()
	if len(entries) > limit {
		return fmt.Errorf("%s has %d entries, at most %d are allowed", key, len(entries), limit)
	}
	for _, entry := range entries {
		if entry.Type != gjson.String || !strings.HasPrefix(entry.Str, "$") {
			return fmt.Errorf("%s must only contain event IDs", key)
		}
	}
	return nil
}

func isInteger(value gjson.Result) bool {
	if value.Type != gjson.Number || strings.ContainsAny(value.Raw, ".eE") {
		return false
	}
	n := value.Int()
	return n <= maxCanonicalNumber && n >= -maxCanonicalNumber
}
