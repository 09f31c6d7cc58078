// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package pushgateway

import (
	"sort"
	"sync"

	"github.com/element-hq/fedcore/setup/config"
)

// Registry holds the pushers of local users.
type Registry struct {
	mu      sync.RWMutex
	pushers map[string]map[string]config.Pusher // user ID -> push key -> pusher
}

func NewRegistry(pushers []config.Pusher) *Registry {
	r := &Registry{pushers: make(map[string]map[string]config.Pusher)}
	for _, p := range pushers {
		r.Add(p)
	}
	return r
}

// Add registers a pusher, replacing one with the same user and push key.
func (r *Registry) Add(p config.Pusher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byKey, ok := r.pushers[p.UserID]
	if !ok {
		byKey = make(map[string]config.Pusher)
		r.pushers[p.UserID] = byKey
	}
	byKey[p.PushKey] = p
}

func (r *Registry) Remove(userID, pushKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pushers[userID], pushKey)
	if len(r.pushers[userID]) == 0 {
		delete(r.pushers, userID)
	}
}

func (r *Registry) Pusher(userID, pushKey string) (config.Pusher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pushers[userID][pushKey]
	return p, ok
}

// ForUser returns the pushers of a user ordered by push key.
func (r *Registry) ForUser(userID string) []config.Pusher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]config.Pusher, 0, len(r.pushers[userID]))
	for _, p := range r.pushers[userID] {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PushKey < result[j].PushKey
	})
	return result
}
