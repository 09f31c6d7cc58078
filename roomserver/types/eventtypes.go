package types

import "github.com/matrix-org/gomatrixserverlib/spec"

// Event types the core needs to understand.
const (
	MRoomCreate            = spec.MRoomCreate
	MRoomMember            = spec.MRoomMember
	MRoomPowerLevels       = spec.MRoomPowerLevels
	MRoomJoinRules         = spec.MRoomJoinRules
	MRoomThirdPartyInvite  = spec.MRoomThirdPartyInvite
	MRoomRedaction         = spec.MRoomRedaction
	MRoomHistoryVisibility = spec.MRoomHistoryVisibility
	MRoomAliases           = "m.room.aliases"
)

// Membership values.
const (
	MembershipJoin   = spec.Join
	MembershipLeave  = spec.Leave
	MembershipInvite = spec.Invite
	MembershipBan    = spec.Ban
	MembershipKnock  = spec.Knock
)

// Join rules.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
	JoinRulePrivate         = "private"
)
