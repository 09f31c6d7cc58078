// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/exgjson"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/federation/signutil"
	"maunium.net/go/mautrix/id"
)

// maxCanonicalInt is the largest integer allowed in strict canonical JSON.
const maxCanonicalInt = 1<<53 - 1

// CanonicalJSON returns the canonical encoding of the given JSON: keys
// sorted, no insignificant whitespace.
func CanonicalJSON(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid JSON")
	}
	return canonicaljson.CanonicalJSON(raw)
}

// CheckStrictNumbers verifies that every number in the JSON is an integer
// within the range allowed by strict canonical JSON.
func CheckStrictNumbers(raw []byte) error {
	return checkStrictNumbers(gjson.ParseBytes(raw))
}

func checkStrictNumbers(value gjson.Result) error {
	switch {
	case value.IsObject() || value.IsArray():
		var err error
		value.ForEach(func(_, v gjson.Result) bool {
			err = checkStrictNumbers(v)
			return err == nil
		})
		return err
	case value.Type == gjson.Number:
		if strings.ContainsAny(value.Raw, ".eE") {
			return fmt.Errorf("number %s is not an integer", value.Raw)
		}
		n, err := strconv.ParseInt(value.Raw, 10, 64)
		if err != nil || n > maxCanonicalInt || n < -maxCanonicalInt {
			return fmt.Errorf("integer %s is out of range", value.Raw)
		}
	}
	return nil
}

func deleteKeys(raw []byte, keys ...string) ([]byte, error) {
	out := bytes.Clone(raw)
	var err error
	for _, key := range keys {
		if !gjson.GetBytes(out, key).Exists() {
			continue
		}
		if out, err = sjson.DeleteBytes(out, key); err != nil {
			return nil, fmt.Errorf("sjson.DeleteBytes(%q): %w", key, err)
		}
	}
	return out, nil
}

// StripUnsigned removes the unsigned section, which is never signed.
func StripUnsigned(raw []byte) ([]byte, error) {
	return deleteKeys(raw, "unsigned")
}

// ContentHash returns the sha256 content hash of an event: the hash of its
// canonical JSON without unsigned, signatures and hashes.
func ContentHash(raw []byte) ([]byte, error) {
	stripped, err := deleteKeys(raw, "unsigned", "signatures", "hashes")
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// CheckContentHash verifies the hashes.sha256 key of an event.
func CheckContentHash(raw []byte) error {
	expected := gjson.GetBytes(raw, "hashes.sha256")
	if expected.Type != gjson.String {
		return fmt.Errorf("event has no sha256 content hash")
	}
	want, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(expected.Str, "="))
	if err != nil {
		return fmt.Errorf("content hash is not valid base64: %w", err)
	}
	got, err := ContentHash(raw)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("content hash mismatch")
	}
	return nil
}

// AddContentHash computes the content hash and stores it in hashes.sha256.
func AddContentHash(raw []byte) ([]byte, error) {
	hash, err := ContentHash(raw)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(raw, "hashes.sha256", base64.RawStdEncoding.EncodeToString(hash))
}

// ReferenceHash returns the sha256 reference hash of an event: the hash of
// the canonical form of its redacted JSON without signatures and unsigned.
func ReferenceHash(raw []byte, rules RoomVersionRules) ([]byte, error) {
	redacted, err := RedactEventJSON(raw, rules)
	if err != nil {
		return nil, err
	}
	stripped, err := deleteKeys(redacted, "signatures", "unsigned")
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// EventIDFromJSON derives the event ID of an event from its reference hash.
func EventIDFromJSON(raw []byte, rules RoomVersionRules) (string, error) {
	hash, err := ReferenceHash(raw, rules)
	if err != nil {
		return "", err
	}
	return "$" + rules.eventIDEncoding().EncodeToString(hash), nil
}

// signingPayload is the canonical form of the redacted event without
// signatures and unsigned, which is what a server signs.
func signingPayload(raw []byte, rules RoomVersionRules) ([]byte, error) {
	redacted, err := RedactEventJSON(raw, rules)
	if err != nil {
		return nil, err
	}
	stripped, err := deleteKeys(redacted, "signatures", "unsigned")
	if err != nil {
		return nil, err
	}
	return CanonicalJSON(stripped)
}

// SignEventJSON adds a signature by the given server and key to the event.
func SignEventJSON(raw []byte, rules RoomVersionRules, serverName string, keyID id.KeyID, priv ed25519.PrivateKey) ([]byte, error) {
	payload, err := signingPayload(raw, rules)
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(priv, payload)
	return sjson.SetBytes(
		raw,
		exgjson.Path("signatures", serverName, string(keyID)),
		base64.RawStdEncoding.EncodeToString(signature),
	)
}

// VerifyEventSignature checks the signature of the given server and key on
// the redacted form of the event.
func VerifyEventSignature(raw []byte, rules RoomVersionRules, serverName string, keyID id.KeyID, key id.SigningKey) error {
	redacted, err := RedactEventJSON(raw, rules)
	if err != nil {
		return err
	}
	return signutil.VerifyJSON(serverName, keyID, key, json.RawMessage(redacted))
}

// SignatureKeyIDs returns the key IDs the given server signed the event with.
func SignatureKeyIDs(raw []byte, serverName string) []id.KeyID {
	var keyIDs []id.KeyID
	gjson.GetBytes(raw, exgjson.Path("signatures", serverName)).ForEach(func(key, _ gjson.Result) bool {
		keyIDs = append(keyIDs, id.KeyID(key.Str))
		return true
	})
	return keyIDs
}
