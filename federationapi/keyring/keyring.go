// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package keyring resolves the signing keys of remote servers.
package keyring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/federation"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

var weakKeyVerifications = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fedcore",
		Subsystem: "keyring",
		Name:      "weak_key_verifications_total",
		Help:      "Number of expired signing keys accepted because the room version does not enforce key validity",
	},
	[]string{"room_version"},
)

func init() {
	prometheus.MustRegister(weakKeyVerifications)
}

// ErrNoKeys is returned when a server's keys have never been obtained.
var ErrNoKeys = errors.New("no keys known for server")

// KeyFetcher requests the published keys of a server.
type KeyFetcher interface {
	ServerKeys(ctx context.Context, server spec.ServerName) (*federation.ServerKeyResponse, error)
}

// VerifyKey is a public key usable to check a signature made at a given
// time. Weak keys had already expired at that time and are only accepted by
// room versions that do not enforce key validity.
type VerifyKey struct {
	Key  id.SigningKey
	Weak bool
}

type cachedKeys struct {
	resp      *federation.ServerKeyResponse
	fetchedAt time.Time
}

// KeyRing caches the key responses of remote servers and answers for our
// own server from the local signing key.
type KeyRing struct {
	serverName     spec.ServerName
	signingKey     *federation.SigningKey
	fetcher        KeyFetcher
	maxAge         time.Duration
	failureBackoff time.Duration

	keys     *cache.Cache // spec.ServerName -> *cachedKeys
	failures *cache.Cache // spec.ServerName -> error
	fetches  singleflight.Group
}

func NewKeyRing(cfg *config.FederationAPI, fetcher KeyFetcher) *KeyRing {
	return &KeyRing{
		serverName:     cfg.Matrix.ServerName,
		signingKey:     cfg.Matrix.SigningKey,
		fetcher:        fetcher,
		maxAge:         cfg.KeyCacheMaxAge,
		failureBackoff: cfg.KeyFetchFailureBackoff,
		keys:           cache.New(cfg.KeyCacheMaxAge, 10*time.Minute),
		failures:       cache.New(cfg.KeyFetchFailureBackoff, time.Minute),
	}
}

// VerifyKeysAt returns those of the requested keys of the server that were
// valid at ts. Keys that are missing from the result can't be used to check
// a signature made at ts. An error is only returned when nothing at all is
// known about the server's keys.
func (k *KeyRing) VerifyKeysAt(
	ctx context.Context, server spec.ServerName, keyIDs []id.KeyID, ts spec.Timestamp, version types.RoomVersion,
) (map[id.KeyID]VerifyKey, error) {
	rules, err := types.RulesFor(version)
	if err != nil {
		return nil, err
	}
	if server == k.serverName {
		return k.ownKeys(keyIDs), nil
	}

	cached, _ := k.keys.Get(string(server))
	entry, _ := cached.(*cachedKeys)
	if entry == nil || !k.satisfies(entry.resp, keyIDs, ts) {
		fetched, fetchErr := k.refetch(ctx, server, entry)
		switch {
		case fetched != nil:
			entry = fetched
		case entry == nil && fetchErr != nil:
			return nil, fetchErr
		case entry == nil:
			return nil, ErrNoKeys
		}
	}
	return k.selectKeys(server, entry.resp, keyIDs, ts, rules), nil
}

func (k *KeyRing) ownKeys(keyIDs []id.KeyID) map[id.KeyID]VerifyKey {
	result := map[id.KeyID]VerifyKey{}
	for _, keyID := range keyIDs {
		if keyID == k.signingKey.ID {
			result[keyID] = VerifyKey{Key: k.signingKey.Pub}
		}
	}
	return result
}

// satisfies reports whether every requested key is in the response and
// was valid at ts without falling back to weak keys.
func (k *KeyRing) satisfies(resp *federation.ServerKeyResponse, keyIDs []id.KeyID, ts spec.Timestamp) bool {
	for _, keyID := range keyIDs {
		if _, ok := resp.VerifyKeys[keyID]; ok {
			if resp.ValidUntilTS.UnixMilli() < int64(ts) {
				return false
			}
			continue
		}
		old, ok := resp.OldVerifyKeys[keyID]
		if !ok || old.ExpiredTS.UnixMilli() < int64(ts) {
			return false
		}
	}
	return true
}

// refetch asks the server for its keys unless it failed recently or was
// asked recently. It returns nil if no new response was obtained.
func (k *KeyRing) refetch(ctx context.Context, server spec.ServerName, previous *cachedKeys) (*cachedKeys, error) {
	if failure, ok := k.failures.Get(string(server)); ok {
		return nil, failure.(error)
	}
	if previous != nil && time.Since(previous.fetchedAt) < k.failureBackoff {
		return nil, nil
	}
	result, err, _ := k.fetches.Do(string(server), func() (interface{}, error) {
		return k.fetch(ctx, server)
	})
	if err != nil {
		return nil, err
	}
	return result.(*cachedKeys), nil
}

func (k *KeyRing) fetch(ctx context.Context, server spec.ServerName) (*cachedKeys, error) {
	logger := logrus.WithField("server", server)
	resp, err := k.fetcher.ServerKeys(ctx, server)
	if err == nil {
		err = checkKeyResponse(server, resp)
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to fetch server keys")
		k.failures.Set(string(server), err, k.failureBackoff)
		return nil, fmt.Errorf("fetching keys of %s: %w", server, err)
	}

	entry := &cachedKeys{resp: resp, fetchedAt: time.Now()}
	ttl := time.Until(resp.ValidUntilTS.Time)
	if ttl > k.maxAge {
		ttl = k.maxAge
	}
	if ttl < k.failureBackoff {
		// Expired responses are still kept around for weak verification.
		ttl = k.failureBackoff
	}
	k.keys.Set(string(server), entry, ttl)
	logger.WithField("valid_until_ts", resp.ValidUntilTS.UnixMilli()).Debug("Fetched server keys")
	return entry, nil
}

// checkKeyResponse makes sure the response is for the server and carries a
// valid signature by each of its current keys. The signatures are checked
// against the JSON as it was received.
func checkKeyResponse(server spec.ServerName, resp *federation.ServerKeyResponse) error {
	if resp == nil {
		return errors.New("empty key response")
	}
	if resp.ServerName != string(server) {
		return fmt.Errorf("key response is for %q", resp.ServerName)
	}
	if len(resp.VerifyKeys) == 0 {
		return errors.New("key response has no verify keys")
	}
	return resp.VerifySelfSignature()
}

func (k *KeyRing) selectKeys(
	server spec.ServerName, resp *federation.ServerKeyResponse, keyIDs []id.KeyID, ts spec.Timestamp, rules types.RoomVersionRules,
) map[id.KeyID]VerifyKey {
	result := make(map[id.KeyID]VerifyKey, len(keyIDs))
	for _, keyID := range keyIDs {
		if key, ok := resp.VerifyKeys[keyID]; ok {
			switch {
			case resp.ValidUntilTS.UnixMilli() >= int64(ts):
				result[keyID] = VerifyKey{Key: key.Key}
			case !rules.EnforceKeyValidity:
				logrus.WithFields(logrus.Fields{
					"server":         server,
					"key_id":         keyID,
					"valid_until_ts": resp.ValidUntilTS.UnixMilli(),
					"ts":             ts,
				}).Info("Accepting expired key for a room version that does not enforce key validity")
				weakKeyVerifications.WithLabelValues(string(rules.Version)).Inc()
				result[keyID] = VerifyKey{Key: key.Key, Weak: true}
			}
			continue
		}
		if old, ok := resp.OldVerifyKeys[keyID]; ok && old.ExpiredTS.UnixMilli() >= int64(ts) {
			result[keyID] = VerifyKey{Key: old.Key}
		}
	}
	return result
}

// KeyServer publishes our own signing key.
func (k *KeyRing) KeyServer(version string) *federation.KeyServer {
	return &federation.KeyServer{
		KeyProvider: &federation.StaticServerKey{
			ServerName: string(k.serverName),
			Key:        k.signingKey,
		},
		Version: federation.ServerVersion{Name: "fedcore", Version: version},
	}
}

// Setup registers the key server routes on the router.
func (k *KeyRing) Setup(router *mux.Router, version string) {
	keyMux := http.NewServeMux()
	k.KeyServer(version).Register(keyMux, zerolog.Nop())
	router.PathPrefix("/_matrix/key/").Handler(keyMux)
	router.Handle("/_matrix/federation/v1/version", keyMux).Methods(http.MethodGet)
	router.Handle("/.well-known/matrix/server", keyMux).Methods(http.MethodGet)
}
