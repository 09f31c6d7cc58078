// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net"
	"net/http"
	"strings"
)

// RemoteAddr returns the address of the caller, preferring X-Forwarded-For
// and then X-Real-IP over the connection address. Only the first address of
// a forwarded list is used.
func RemoteAddr(req *http.Request) string {
	addr := req.RemoteAddr
	for _, v := range []string{req.Header.Get("X-Forwarded-For"), req.Header.Get("X-Real-IP")} {
		if v != "" {
			addr = v
			break
		}
	}
	first := strings.TrimSpace(strings.Split(addr, ",")[0])
	if ip := net.ParseIP(first); ip != nil {
		return first
	}
	if host, _, err := net.SplitHostPort(first); err == nil {
		return host
	}
	return addr
}
