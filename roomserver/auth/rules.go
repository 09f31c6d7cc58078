// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/exgjson"
	"maunium.net/go/mautrix/federation/signutil"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/fedcore/internal/util"
	"github.com/element-hq/fedcore/roomserver/types"
)

var mFederatePath = exgjson.Path("m.federate")

// RuleSet is the versioned table of authorization rules.
type RuleSet interface {
	// AuthEventTypes returns the state slots an event is authorized against.
	AuthEventTypes(ev *types.Event) []types.StateTuple
	// CheckEventShape runs the checks that do not depend on room state.
	CheckEventShape(ev *types.Event) error
	// Allowed checks the event against the given auth events.
	Allowed(ev *types.Event, authEvents *AuthEvents) error
}

// RulesFor returns the default rule set for a room version.
func RulesFor(version types.RoomVersion) (RuleSet, error) {
	rules, err := types.RulesFor(version)
	if err != nil {
		return nil, err
	}
	return &defaultRules{rules: rules}, nil
}

type defaultRules struct {
	rules types.RoomVersionRules
}

func (r *defaultRules) AuthEventTypes(ev *types.Event) []types.StateTuple {
	if ev.Type() == types.MRoomCreate {
		return nil
	}
	tuples := []types.StateTuple{
		{EventType: types.MRoomCreate},
		{EventType: types.MRoomPowerLevels},
		{EventType: types.MRoomMember, StateKey: ev.Sender()},
	}
	if ev.Type() != types.MRoomMember || ev.StateKey() == nil {
		return tuples
	}
	content := gjson.ParseBytes(ev.Content())
	membership := content.Get("membership").Str
	tuples = appendTuple(tuples, types.StateTuple{EventType: types.MRoomMember, StateKey: *ev.StateKey()})
	switch membership {
	case types.MembershipJoin, types.MembershipInvite, types.MembershipKnock:
		tuples = appendTuple(tuples, types.StateTuple{EventType: types.MRoomJoinRules})
	}
	if membership == types.MembershipInvite {
		if token := content.Get("third_party_invite.signed.token"); token.Type == gjson.String {
			tuples = appendTuple(tuples, types.StateTuple{EventType: types.MRoomThirdPartyInvite, StateKey: token.Str})
		}
	}
	if membership == types.MembershipJoin && r.rules.AllowRestrictedJoins {
		if via := content.Get("join_authorised_via_users_server"); via.Type == gjson.String {
			tuples = appendTuple(tuples, types.StateTuple{EventType: types.MRoomMember, StateKey: via.Str})
		}
	}
	return tuples
}

func appendTuple(tuples []types.StateTuple, tuple types.StateTuple) []types.StateTuple {
	for _, t := range tuples {
		if t == tuple {
			return tuples
		}
	}
	return append(tuples, tuple)
}

func (r *defaultRules) CheckEventShape(ev *types.Event) error {
	switch ev.Type() {
	case types.MRoomCreate:
		return r.checkCreateShape(ev)
	case types.MRoomMember:
		if ev.StateKey() == nil {
			return fmt.Errorf("m.room.member event has no state key")
		}
		membership := gjson.GetBytes(ev.Content(), "membership")
		if membership.Type != gjson.String {
			return fmt.Errorf("m.room.member event has no membership")
		}
		switch membership.Str {
		case types.MembershipJoin, types.MembershipInvite, types.MembershipLeave, types.MembershipBan:
		case types.MembershipKnock:
			if !r.rules.AllowKnocking {
				return fmt.Errorf("knocking is not supported in room version %s", r.rules.Version)
			}
		default:
			return fmt.Errorf("unknown membership %q", membership.Str)
		}
	case types.MRoomPowerLevels:
		if !ev.StateKeyEquals("") {
			return fmt.Errorf("m.room.power_levels event must have an empty state key")
		}
		return checkPowerLevelsShape(r.rules, ev)
	case types.MRoomRedaction:
		if !strings.HasPrefix(ev.Redacts(), "$") {
			return fmt.Errorf("redaction target %q is not an event ID", ev.Redacts())
		}
	}
	return nil
}

func (r *defaultRules) checkCreateShape(ev *types.Event) error {
	if len(ev.PrevEventIDs()) > 0 {
		return fmt.Errorf("m.room.create event has prev_events")
	}
	if len(ev.AuthEventIDs()) > 0 {
		return fmt.Errorf("m.room.create event has auth_events")
	}
	if !ev.StateKeyEquals("") {
		return fmt.Errorf("m.room.create event must have an empty state key")
	}
	roomServer, err := util.ServerNameFromID(ev.RoomID(), '!')
	if err != nil {
		return fmt.Errorf("invalid room ID: %w", err)
	}
	senderServer, err := util.ServerNameFromID(ev.Sender(), '@')
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if roomServer != senderServer {
		return fmt.Errorf("room ID server %q does not match sender server %q", roomServer, senderServer)
	}
	content := gjson.ParseBytes(ev.Content())
	// A missing room_version means version 1, which is not supported.
	if version := content.Get("room_version"); version.Type != gjson.String || types.RoomVersion(version.Str) != r.rules.Version {
		return fmt.Errorf("m.room.create content.room_version %s does not match room version %s", rawOrNull(version), r.rules.Version)
	}
	if !r.rules.CreatorFromSender && content.Get("creator").Type != gjson.String {
		return fmt.Errorf("m.room.create event is missing creator")
	}
	return nil
}

func (r *defaultRules) Allowed(ev *types.Event, ae *AuthEvents) error {
	if ev.Type() == types.MRoomCreate {
		return nil
	}
	create := ae.Create()
	if create == nil {
		return fmt.Errorf("no m.room.create event in auth events")
	}
	if gjson.GetBytes(create.Content(), mFederatePath).Type == gjson.False {
		if serverOf(create.Sender()) != serverOf(ev.Sender()) {
			return fmt.Errorf("room does not allow federation")
		}
	}
	if ev.Type() == types.MRoomAliases && r.rules.SpecialCaseAliasesAuth {
		if ev.StateKey() == nil || *ev.StateKey() != serverOf(ev.Sender()) {
			return fmt.Errorf("m.room.aliases state key must be the sender's server")
		}
		return nil
	}
	if ev.Type() == types.MRoomMember {
		return r.memberAllowed(ev, ae)
	}
	if m := ae.membership(ev.Sender()); m != types.MembershipJoin {
		return fmt.Errorf("sender %s is not joined to the room (membership %q)", ev.Sender(), m)
	}
	pl := powerLevelsFor(r.rules, ae)
	senderLevel := pl.UserLevel(ev.Sender())
	if ev.Type() == types.MRoomThirdPartyInvite {
		if senderLevel < pl.Invite {
			return fmt.Errorf("sender power level %d is below the invite level %d", senderLevel, pl.Invite)
		}
		return nil
	}
	if required := pl.EventLevel(ev.Type(), ev.IsState()); senderLevel < required {
		return fmt.Errorf("sender power level %d is below the %d required for %s", senderLevel, required, ev.Type())
	}
	if sk := ev.StateKey(); sk != nil && strings.HasPrefix(*sk, "@") && *sk != ev.Sender() {
		return fmt.Errorf("state key %q must match the sender", *sk)
	}
	if ev.Type() == types.MRoomPowerLevels {
		if err := checkPowerLevelsShape(r.rules, ev); err != nil {
			return err
		}
		oldEv := ae.PowerLevels()
		if oldEv == nil {
			return nil
		}
		return checkPowerLevelsChange(r.rules, ev, oldEv, senderLevel)
	}
	return nil
}

func (r *defaultRules) memberAllowed(ev *types.Event, ae *AuthEvents) error {
	if ev.StateKey() == nil {
		return fmt.Errorf("m.room.member event has no state key")
	}
	target := *ev.StateKey()
	content := gjson.ParseBytes(ev.Content())
	membership := content.Get("membership").Str
	targetMembership := ae.membership(target)
	senderMembership := ae.membership(ev.Sender())

	switch membership {
	case types.MembershipJoin:
		return r.joinAllowed(ev, ae, content, targetMembership, senderMembership)

	case types.MembershipInvite:
		if tpi := content.Get("third_party_invite"); tpi.Exists() {
			return r.thirdPartyInviteAllowed(ev, ae, tpi, targetMembership)
		}
		if senderMembership != types.MembershipJoin {
			return fmt.Errorf("inviter %s is not joined", ev.Sender())
		}
		if targetMembership == types.MembershipJoin || targetMembership == types.MembershipBan {
			return fmt.Errorf("cannot invite %s with membership %q", target, targetMembership)
		}
		pl := powerLevelsFor(r.rules, ae)
		if pl.UserLevel(ev.Sender()) < pl.Invite {
			return fmt.Errorf("inviter power level %d is below the invite level %d", pl.UserLevel(ev.Sender()), pl.Invite)
		}
		return nil

	case types.MembershipLeave:
		if ev.Sender() == target {
			switch senderMembership {
			case types.MembershipJoin, types.MembershipInvite:
				return nil
			case types.MembershipKnock:
				if r.rules.AllowKnocking {
					return nil
				}
			}
			return fmt.Errorf("cannot leave with membership %q", senderMembership)
		}
		if senderMembership != types.MembershipJoin {
			return fmt.Errorf("kicker %s is not joined", ev.Sender())
		}
		pl := powerLevelsFor(r.rules, ae)
		senderLevel := pl.UserLevel(ev.Sender())
		if targetMembership == types.MembershipBan && senderLevel < pl.Ban {
			return fmt.Errorf("sender power level %d is below the ban level %d needed to unban", senderLevel, pl.Ban)
		}
		if senderLevel >= pl.Kick && pl.UserLevel(target) < senderLevel {
			return nil
		}
		return fmt.Errorf("sender power level %d cannot kick %s", senderLevel, target)

	case types.MembershipBan:
		if senderMembership != types.MembershipJoin {
			return fmt.Errorf("banner %s is not joined", ev.Sender())
		}
		pl := powerLevelsFor(r.rules, ae)
		senderLevel := pl.UserLevel(ev.Sender())
		if senderLevel >= pl.Ban && pl.UserLevel(target) < senderLevel {
			return nil
		}
		return fmt.Errorf("sender power level %d cannot ban %s", senderLevel, target)

	case types.MembershipKnock:
		joinRule := r.joinRule(ae)
		knockable := (r.rules.AllowKnocking && joinRule == types.JoinRuleKnock) ||
			(r.rules.AllowKnockRestricted && joinRule == types.JoinRuleKnockRestricted)
		if !knockable {
			return fmt.Errorf("join rule %q does not allow knocking", joinRule)
		}
		if ev.Sender() != target {
			return fmt.Errorf("cannot knock on behalf of %s", target)
		}
		switch senderMembership {
		case types.MembershipBan, types.MembershipInvite, types.MembershipJoin:
			return fmt.Errorf("cannot knock with membership %q", senderMembership)
		}
		return nil
	}
	return fmt.Errorf("unknown membership %q", membership)
}

func (r *defaultRules) joinRule(ae *AuthEvents) string {
	ev := ae.JoinRules()
	if ev == nil {
		return types.JoinRuleInvite
	}
	rule := gjson.GetBytes(ev.Content(), "join_rule")
	if rule.Type != gjson.String {
		return types.JoinRuleInvite
	}
	return rule.Str
}

func (r *defaultRules) joinAllowed(ev *types.Event, ae *AuthEvents, content gjson.Result, targetMembership, senderMembership string) error {
	target := *ev.StateKey()
	create := ae.Create()
	prevs := ev.PrevEventIDs()
	if len(prevs) == 1 && create != nil && prevs[0] == create.EventID() && target == roomCreator(r.rules, create) {
		return nil
	}
	if ev.Sender() != target {
		return fmt.Errorf("cannot join on behalf of %s", target)
	}
	if senderMembership == types.MembershipBan {
		return fmt.Errorf("%s is banned", target)
	}
	joinRule := r.joinRule(ae)
	switch joinRule {
	case types.JoinRulePublic:
		return nil
	case types.JoinRuleInvite, types.JoinRuleKnock:
		if joinRule == types.JoinRuleKnock && !r.rules.AllowKnocking {
			break
		}
		if targetMembership == types.MembershipJoin || targetMembership == types.MembershipInvite {
			return nil
		}
		return fmt.Errorf("%s is not invited", target)
	case types.JoinRuleRestricted, types.JoinRuleKnockRestricted:
		if joinRule == types.JoinRuleRestricted && !r.rules.AllowRestrictedJoins {
			break
		}
		if joinRule == types.JoinRuleKnockRestricted && !r.rules.AllowKnockRestricted {
			break
		}
		if targetMembership == types.MembershipJoin || targetMembership == types.MembershipInvite {
			return nil
		}
		via := content.Get("join_authorised_via_users_server").Str
		if via == "" {
			return fmt.Errorf("restricted join of %s has no authorising user", target)
		}
		if ae.membership(via) != types.MembershipJoin {
			return fmt.Errorf("authorising user %s is not joined", via)
		}
		pl := powerLevelsFor(r.rules, ae)
		if pl.UserLevel(via) < pl.Invite {
			return fmt.Errorf("authorising user %s cannot invite", via)
		}
		return nil
	}
	return fmt.Errorf("join rule %q does not allow joining", joinRule)
}

func (r *defaultRules) thirdPartyInviteAllowed(ev *types.Event, ae *AuthEvents, tpi gjson.Result, targetMembership string) error {
	if targetMembership == types.MembershipBan {
		return fmt.Errorf("%s is banned", *ev.StateKey())
	}
	signed := tpi.Get("signed")
	mxid, token := signed.Get("mxid").Str, signed.Get("token").Str
	if mxid == "" || token == "" {
		return fmt.Errorf("third party invite is missing mxid or token")
	}
	if mxid != *ev.StateKey() {
		return fmt.Errorf("third party invite mxid %q does not match %q", mxid, *ev.StateKey())
	}
	tpiEvent := ae.ThirdPartyInvite(token)
	if tpiEvent == nil {
		return fmt.Errorf("no m.room.third_party_invite event for token %q", token)
	}
	if tpiEvent.Sender() != ev.Sender() {
		return fmt.Errorf("third party invite was sent by %s, not %s", tpiEvent.Sender(), ev.Sender())
	}
	if verifyThirdPartySigned(signed, thirdPartyPublicKeys(tpiEvent)) {
		return nil
	}
	return fmt.Errorf("third party invite has no valid signature")
}

// thirdPartyPublicKeys collects the public keys of an m.room.third_party_invite
// event in unpadded standard base64.
func thirdPartyPublicKeys(ev *types.Event) []id.SigningKey {
	var keys []id.SigningKey
	add := func(value gjson.Result) {
		if value.Type != gjson.String {
			return
		}
		trimmed := strings.TrimRight(value.Str, "=")
		raw, err := base64.RawStdEncoding.DecodeString(trimmed)
		if err != nil {
			if raw, err = base64.RawURLEncoding.DecodeString(trimmed); err != nil {
				return
			}
		}
		keys = append(keys, id.SigningKey(base64.RawStdEncoding.EncodeToString(raw)))
	}
	content := gjson.ParseBytes(ev.Content())
	add(content.Get("public_key"))
	content.Get("public_keys").ForEach(func(_, value gjson.Result) bool {
		add(value.Get("public_key"))
		return true
	})
	return keys
}

// verifyThirdPartySigned returns true if any signature in the signed block
// verifies against any of the keys.
func verifyThirdPartySigned(signed gjson.Result, keys []id.SigningKey) bool {
	message, err := sjson.DeleteBytes([]byte(signed.Raw), "signatures")
	if err != nil {
		return false
	}
	valid := false
	signed.Get("signatures").ForEach(func(_, sigs gjson.Result) bool {
		sigs.ForEach(func(_, sig gjson.Result) bool {
			for _, key := range keys {
				if signutil.VerifyJSONRaw(key, sig.Str, json.RawMessage(message)) == nil {
					valid = true
					return false
				}
			}
			return true
		})
		return !valid
	})
	return valid
}

func serverOf(userID string) string {
	server, err := util.ServerNameFromID(userID, '@')
	if err != nil {
		return ""
	}
	return string(server)
}

func isValidUserID(userID string) bool {
	_, err := util.ServerNameFromID(userID, '@')
	return err == nil
}
