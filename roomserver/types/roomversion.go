// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/base64"
	"fmt"
	"sort"
)

// RoomVersion is the version string of a room, e.g. "10".
type RoomVersion string

type redactionAlgorithm int

const (
	redactionV1  redactionAlgorithm = iota + 1 // v1-v5: m.room.aliases keeps "aliases"
	redactionV6                                // v6, v7: aliases no longer special-cased
	redactionV8                                // v8: join_rules keeps "allow"
	redactionV9                                // v9, v10: member keeps join_authorised_via_users_server
	redactionV11                               // v11: MSC2176 + MSC3821 + MSC3989
)

// RoomVersionRules describes how a room version behaves where the event
// pipeline cares about it.
type RoomVersionRules struct {
	Version RoomVersion
	// Event IDs use the URL-safe base64 alphabet from v4 onwards.
	urlSafeEventIDs bool
	// Keys must be valid at origin_server_ts (v5+). Earlier versions accept
	// expired keys as a weaker check.
	EnforceKeyValidity bool
	// Canonical JSON must only contain integers within [-(2**53)+1, (2**53)-1] (v6+).
	StrictCanonicalJSON bool
	// m.room.aliases events are subject to special auth rules (v1-v5).
	SpecialCaseAliasesAuth bool
	// Knocking is supported (v7+).
	AllowKnocking bool
	// The "restricted" join rule is supported (v8+).
	AllowRestrictedJoins bool
	// The "knock_restricted" join rule is supported (v10+).
	AllowKnockRestricted bool
	// Power level values must be integers, not strings (v10+).
	IntegerPowerLevels bool
	// The room creator is the sender of the create event, the creator
	// content key is not used (v11+).
	CreatorFromSender bool
	// The redacts key lives in content rather than at the top level (v11+).
	RedactsInContent bool

	redaction redactionAlgorithm
}

var roomVersions = map[RoomVersion]RoomVersionRules{
	"3": {
		Version:                "3",
		SpecialCaseAliasesAuth: true,
		redaction:              redactionV1,
	},
	"4": {
		Version:                "4",
		urlSafeEventIDs:        true,
		SpecialCaseAliasesAuth: true,
		redaction:              redactionV1,
	},
	"5": {
		Version:                "5",
		urlSafeEventIDs:        true,
		EnforceKeyValidity:     true,
		SpecialCaseAliasesAuth: true,
		redaction:              redactionV1,
	},
	"6": {
		Version:             "6",
		urlSafeEventIDs:     true,
		EnforceKeyValidity:  true,
		StrictCanonicalJSON: true,
		redaction:           redactionV6,
	},
	"7": {
		Version:             "7",
		urlSafeEventIDs:     true,
		EnforceKeyValidity:  true,
		StrictCanonicalJSON: true,
		AllowKnocking:       true,
		redaction:           redactionV6,
	},
	"8": {
		Version:              "8",
		urlSafeEventIDs:      true,
		EnforceKeyValidity:   true,
		StrictCanonicalJSON:  true,
		AllowKnocking:        true,
		AllowRestrictedJoins: true,
		redaction:            redactionV8,
	},
	"9": {
		Version:              "9",
		urlSafeEventIDs:      true,
		EnforceKeyValidity:   true,
		StrictCanonicalJSON:  true,
		AllowKnocking:        true,
		AllowRestrictedJoins: true,
		redaction:            redactionV9,
	},
	"10": {
		Version:              "10",
		urlSafeEventIDs:      true,
		EnforceKeyValidity:   true,
		StrictCanonicalJSON:  true,
		AllowKnocking:        true,
		AllowRestrictedJoins: true,
		AllowKnockRestricted: true,
		IntegerPowerLevels:   true,
		redaction:            redactionV9,
	},
	"11": {
		Version:              "11",
		urlSafeEventIDs:      true,
		EnforceKeyValidity:   true,
		StrictCanonicalJSON:  true,
		AllowKnocking:        true,
		AllowRestrictedJoins: true,
		AllowKnockRestricted: true,
		IntegerPowerLevels:   true,
		CreatorFromSender:    true,
		RedactsInContent:     true,
		redaction:            redactionV11,
	},
}

// RulesFor returns the rules of a supported room version. An unsupported
// version is a protocol violation.
func RulesFor(version RoomVersion) (RoomVersionRules, error) {
	rules, ok := roomVersions[version]
	if !ok {
		return RoomVersionRules{}, RejectedError(fmt.Sprintf("unsupported room version %q", version))
	}
	return rules, nil
}

// MustRulesFor is RulesFor for versions known to be supported.
func MustRulesFor(version RoomVersion) RoomVersionRules {
	rules, err := RulesFor(version)
	if err != nil {
		panic(err)
	}
	return rules
}

// SupportedRoomVersions returns all room versions this server can participate in.
func SupportedRoomVersions() []RoomVersion {
	versions := make([]RoomVersion, 0, len(roomVersions))
	for v := range roomVersions {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		if len(versions[i]) != len(versions[j]) {
			return len(versions[i]) < len(versions[j])
		}
		return versions[i] < versions[j]
	})
	return versions
}

func (r RoomVersionRules) eventIDEncoding() *base64.Encoding {
	if r.urlSafeEventIDs {
		return base64.RawURLEncoding
	}
	return base64.RawStdEncoding
}
