// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package fedclient adapts the mautrix federation client to the requests
// the federation core makes to other servers.
package fedclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/federation"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/fedcore/setup/config"
)

// Transaction is one outbound /send request.
type Transaction struct {
	TxnID string
	PDUs  []json.RawMessage
	EDUs  []json.RawMessage
}

// FederationClient is the subset of the federation API the core consumes.
type FederationClient interface {
	// GetEvent returns the JSON of a single event held by the server.
	GetEvent(ctx context.Context, server spec.ServerName, eventID string) (json.RawMessage, error)
	// GetStateIDs returns the state before an event and its auth chain.
	GetStateIDs(ctx context.Context, server spec.ServerName, roomID, eventID string) (stateIDs, authChainIDs []string, err error)
	SendTransaction(ctx context.Context, destination spec.ServerName, txn Transaction) error
	ServerKeys(ctx context.Context, server spec.ServerName) (*federation.ServerKeyResponse, error)
}

// Client sends federation requests signed with the server's key.
type Client struct {
	fed     *federation.Client
	origin  spec.ServerName
	timeout time.Duration
}

func NewClient(cfg *config.FederationAPI) *Client {
	fed := federation.NewClient(string(cfg.Matrix.ServerName), cfg.Matrix.SigningKey, federation.NewInMemoryCache())
	fed.HTTP.Timeout = cfg.RequestTimeout
	return &Client{
		fed:     fed,
		origin:  cfg.Matrix.ServerName,
		timeout: cfg.RequestTimeout,
	}
}

func (c *Client) GetEvent(ctx context.Context, server spec.ServerName, eventID string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.fed.GetEvent(ctx, string(server), id.EventID(eventID))
	if err != nil {
		return nil, err
	}
	if len(resp.PDUs) != 1 {
		return nil, fmt.Errorf("%s returned %d PDUs for %s", server, len(resp.PDUs), eventID)
	}
	return resp.PDUs[0], nil
}

func (c *Client) GetStateIDs(ctx context.Context, server spec.ServerName, roomID, eventID string) ([]string, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.fed.GetStateIDs(ctx, string(server), id.RoomID(roomID), id.EventID(eventID))
	if err != nil {
		return nil, nil, err
	}
	stateIDs := make([]string, len(resp.PDUs))
	for i := range resp.PDUs {
		stateIDs[i] = string(resp.PDUs[i])
	}
	authChainIDs := make([]string, len(resp.AuthChain))
	for i := range resp.AuthChain {
		authChainIDs[i] = string(resp.AuthChain[i])
	}
	return stateIDs, authChainIDs, nil
}

func (c *Client) SendTransaction(ctx context.Context, destination spec.ServerName, txn Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req := &federation.ReqSendTransaction{
		Destination:    string(destination),
		TxnID:          txn.TxnID,
		Origin:         string(c.origin),
		OriginServerTS: jsontime.UM(time.Now()),
		PDUs:           txn.PDUs,
		EDUs:           txn.EDUs,
	}
	if req.PDUs == nil {
		req.PDUs = []federation.PDU{}
	}
	resp, err := c.fed.SendTransaction(ctx, req)
	if err != nil {
		return err
	}
	for eventID, result := range resp.PDUs {
		if result.Error != "" {
			logrus.WithFields(logrus.Fields{
				"destination": destination,
				"txn_id":      txn.TxnID,
				"event_id":    eventID,
			}).Debugf("Destination rejected PDU: %s", result.Error)
		}
	}
	return nil
}

func (c *Client) ServerKeys(ctx context.Context, server spec.ServerName) (*federation.ServerKeyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.fed.ServerKeys(ctx, string(server))
}

// StatusCode returns the HTTP status of a failed request, or 0 if the
// request never got an answer.
func StatusCode(err error) int {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode
	}
	var gomatrixErr gomatrix.HTTPError
	if errors.As(err, &gomatrixErr) {
		return gomatrixErr.Code
	}
	return 0
}
