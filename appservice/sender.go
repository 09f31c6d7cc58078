// Copyright 2024 New Vector Ltd.
// Copyright 2018 New Vector Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package appservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/matrix-org/gomatrix"
	"github.com/opentracing/opentracing-go"

	"github.com/element-hq/fedcore/setup/config"
)

const transactionPath = "/_matrix/app/v1/transactions/"

// ApplicationServiceTransaction is the body of a transaction pushed to an
// application service.
type ApplicationServiceTransaction struct {
	Events    []json.RawMessage `json:"events"`
	Ephemeral []json.RawMessage `json:"ephemeral"`
}

// Sender pushes room events to application services.
type Sender struct {
	client *http.Client
}

func NewSender(client *http.Client) *Sender {
	return &Sender{client: client}
}

// SendTransaction delivers a batch of events. A non-2xx answer is returned as
// a gomatrix.HTTPError.
func (s *Sender) SendTransaction(
	ctx context.Context, as *config.ApplicationService, txnID string, events []json.RawMessage,
) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "appservice.SendTransaction")
	defer span.Finish()
	span.SetTag("appservice_id", as.ID)

	if events == nil {
		events = []json.RawMessage{}
	}
	body, err := json.Marshal(ApplicationServiceTransaction{
		Events:    events,
		Ephemeral: []json.RawMessage{},
	})
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	address := strings.TrimRight(as.URL, "/") + transactionPath + url.PathEscape(txnID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, address, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+as.HSToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	//nolint:errcheck
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		contents, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return gomatrix.HTTPError{
			Code:         resp.StatusCode,
			Message:      fmt.Sprintf("application service %s answered %d", as.ID, resp.StatusCode),
			Contents:     contents,
			WrappedError: fmt.Errorf("%s", resp.Status),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
