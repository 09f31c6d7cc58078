package test

import (
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/federation"
	"maunium.net/go/mautrix/id"
)

// Server is a fake homeserver with its own signing key.
type Server struct {
	Name spec.ServerName
	Key  *federation.SigningKey
}

// NewServer creates a server with a fresh signing key.
func NewServer(t *testing.T, name spec.ServerName) *Server {
	t.Helper()
	return &Server{
		Name: name,
		Key:  federation.GenerateSigningKey(),
	}
}

// KeyResponse returns a self-signed key response of the server, valid until
// the given time.
func (s *Server) KeyResponse(t *testing.T, validUntil time.Time, old map[id.KeyID]federation.OldVerifyKey) *federation.ServerKeyResponse {
	t.Helper()
	resp := &federation.ServerKeyResponse{
		ServerName:    string(s.Name),
		OldVerifyKeys: old,
		ValidUntilTS:  jsontime.UM(validUntil),
		VerifyKeys: map[id.KeyID]federation.ServerVerifyKey{
			s.Key.ID: {Key: s.Key.Pub},
		},
	}
	SignKeyResponse(t, resp, s.Key)
	return resp
}

// SignKeyResponse replaces the signatures of a key response with one made by key.
func SignKeyResponse(t *testing.T, resp *federation.ServerKeyResponse, key *federation.SigningKey) {
	t.Helper()
	resp.Signatures = nil
	signature, err := key.SignJSON(resp)
	if err != nil {
		t.Fatalf("failed to sign key response: %s", err)
	}
	resp.Signatures = map[string]map[id.KeyID]string{
		resp.ServerName: {key.ID: signature},
	}
}

