// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"fmt"
	"runtime"
	"strings"
)

const (
	Name    = "fedcore"
	Version = "0.1.0"
)

// Set at build time with -ldflags "-X main.Commit=... -X main.Tag=...".
var (
	Commit string
	Tag    string

	VersionWithCommit  string
	VersionDescription string
)

func initVersion() {
	Tag = strings.TrimPrefix(Tag, "v")
	switch {
	case Tag == Version:
		VersionWithCommit = Version
	case len(Commit) > 8:
		VersionWithCommit = fmt.Sprintf("%s+dev.%s", Version, Commit[:8])
	default:
		VersionWithCommit = fmt.Sprintf("%s+dev.unknown", Version)
	}
	VersionDescription = fmt.Sprintf("%s %s (%s)", Name, VersionWithCommit, runtime.Version())
}
