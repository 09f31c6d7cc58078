// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

var (
	userIDCounter = int64(0)

	defaultServer     *Server
	defaultServerOnce sync.Once
)

// DefaultServer returns the server that users belong to unless WithServer
// is given. Its key is generated once per test binary.
func DefaultServer(t *testing.T) *Server {
	defaultServerOnce.Do(func() {
		defaultServer = NewServer(t, "test")
	})
	return defaultServer
}

type User struct {
	ID     string
	Server *Server
}

type UserOpt func(*User)

func WithServer(srv *Server) UserOpt {
	return func(u *User) {
		u.Server = srv
	}
}

func NewUser(t *testing.T, opts ...UserOpt) *User {
	counter := atomic.AddInt64(&userIDCounter, 1)
	u := &User{}
	for _, opt := range opts {
		opt(u)
	}
	if u.Server == nil {
		u.Server = DefaultServer(t)
	}
	u.ID = fmt.Sprintf("@%d:%s", counter, u.Server.Name)
	t.Logf("NewUser: created user %s", u.ID)
	return u
}
