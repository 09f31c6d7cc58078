package util

import (
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// NormalizeServerName trims whitespace and lowercases a server name so that
// comparisons and lookups remain case-insensitive. Domain names are defined as
// case-insensitive by RFC 1035, so this canonical form is safe to store.
func NormalizeServerName(name spec.ServerName) spec.ServerName {
	return spec.ServerName(strings.ToLower(strings.TrimSpace(string(name))))
}

// ServerNameFromID returns the server part of a Matrix identifier of the
// form <sigil>localpart:server, e.g. a user ID or a room ID.
func ServerNameFromID(id string, sigil byte) (spec.ServerName, error) {
	if len(id) < 2 || id[0] != sigil {
		return "", fmt.Errorf("identifier %q does not start with %q", id, sigil)
	}
	idx := strings.IndexByte(id, ':')
	if idx < 2 || idx == len(id)-1 {
		return "", fmt.Errorf("identifier %q has no server name", id)
	}
	return spec.ServerName(id[idx+1:]), nil
}
