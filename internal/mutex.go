// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import "sync"

// MutexByRoom serialises work per room ID. Entries are created lazily and
// never removed.
type MutexByRoom struct {
	mu       *sync.Mutex // protects the map
	roomToMu map[string]*sync.Mutex
}

func NewMutexByRoom() *MutexByRoom {
	return &MutexByRoom{
		mu:       &sync.Mutex{},
		roomToMu: make(map[string]*sync.Mutex),
	}
}

func (m *MutexByRoom) Lock(roomID string) {
	m.mu.Lock()
	roomMu := m.roomToMu[roomID]
	if roomMu == nil {
		roomMu = &sync.Mutex{}
	}
	m.roomToMu[roomID] = roomMu
	m.mu.Unlock()
	// don't lock inside m.mu else we can deadlock
	roomMu.Lock()
}

func (m *MutexByRoom) Unlock(roomID string) {
	m.mu.Lock()
	roomMu := m.roomToMu[roomID]
	if roomMu == nil {
		panic("MutexByRoom: Unlock before Lock")
	}
	m.mu.Unlock()

	roomMu.Unlock()
}
