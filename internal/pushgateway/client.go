// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package pushgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/matrix-org/gomatrix"
	"github.com/opentracing/opentracing-go"
)

type httpClient struct {
	hc *http.Client
}

// NewHTTPClient creates a new Push Gateway client.
func NewHTTPClient(hc *http.Client) Client {
	return &httpClient{hc: hc}
}

func (h *httpClient) Notify(ctx context.Context, url string, req *NotifyRequest, resp *NotifyResponse) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Notify")
	defer span.Finish()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")

	hresp, err := h.hc.Do(hreq)
	if err != nil {
		return err
	}
	//nolint:errcheck
	defer hresp.Body.Close()

	if hresp.StatusCode < 200 || hresp.StatusCode >= 300 {
		contents, _ := io.ReadAll(io.LimitReader(hresp.Body, 4096))
		return gomatrix.HTTPError{
			Code:         hresp.StatusCode,
			Message:      fmt.Sprintf("push gateway %s answered %d", url, hresp.StatusCode),
			Contents:     contents,
			WrappedError: fmt.Errorf("%s", hresp.Status),
		}
	}
	if resp == nil {
		return nil
	}
	return json.NewDecoder(hresp.Body).Decode(resp)
}
