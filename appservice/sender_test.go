// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package appservice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matrix-org/gomatrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/setup/config"
)

// createTestAppService registers an application service backed by srv.
func createTestAppService(srv *httptest.Server) *config.ApplicationService {
	return &config.ApplicationService{
		ID:              "test-as",
		URL:             srv.URL + "/",
		ASToken:         "as-token",
		HSToken:         "hs-token",
		SenderLocalpart: "bot",
	}
}

func TestSendTransaction_PutsEventsWithHSToken(t *testing.T) {
	t.Parallel()
	type request struct {
		method, path, auth string
		body               []byte
	}
	received := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- request{r.Method, r.URL.EscapedPath(), r.Header.Get("Authorization"), body}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sender := NewSender(srv.Client())
	events := []json.RawMessage{json.RawMessage(`{"event_id":"$a"}`), json.RawMessage(`{"event_id":"$b"}`)}
	require.NoError(t, sender.SendTransaction(context.Background(), createTestAppService(srv), "txn/1", events))

	req := <-received
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/_matrix/app/v1/transactions/txn%2F1", req.path)
	assert.Equal(t, "Bearer hs-token", req.auth)
	assert.JSONEq(t, `{"events":[{"event_id":"$a"},{"event_id":"$b"}],"ephemeral":[]}`, string(req.body))
}

func TestSendTransaction_EmptyBatch(t *testing.T) {
	t.Parallel()
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
	}))
	defer srv.Close()

	require.NoError(t, NewSender(srv.Client()).SendTransaction(context.Background(), createTestAppService(srv), "txn", nil))
	assert.JSONEq(t, `{"events":[],"ephemeral":[]}`, string(<-bodies))
}

func TestSendTransaction_HTTPError_ReturnsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN"}`))
	}))
	defer srv.Close()

	err := NewSender(srv.Client()).SendTransaction(context.Background(), createTestAppService(srv), "txn", nil)
	var httpErr gomatrix.HTTPError
	require.True(t, errors.As(err, &httpErr), "got %v", err)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
	assert.Contains(t, string(httpErr.Contents), "M_FORBIDDEN")
}
