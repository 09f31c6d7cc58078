// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"io"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/federationapi/queue"
	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/internal/httputil"
	rstypes "github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

const AdminPathPrefix = "/_fedcore/admin"

// Introspector exposes the state of the outbound queues.
type Introspector interface {
	Destinations() []queue.DestinationStatus
	FailedDestinations() map[types.Destination]types.RetryState
}

// EventAcceptor runs inbound events through the roomserver pipeline.
type EventAcceptor interface {
	AcceptInboundEvent(ctx context.Context, origin spec.ServerName, raw []byte) (rstypes.InputResult, error)
}

const maxEventSize = 65536

type destinationJSON struct {
	Destination  string         `json:"destination"`
	Kind         string         `json:"kind"`
	Depth        int            `json:"depth"`
	State        string         `json:"state"`
	FailureCount uint32         `json:"failure_count"`
	LastAttempt  spec.Timestamp `json:"last_attempt_ts,omitempty"`
}

type failedJSON struct {
	Destination  string         `json:"destination"`
	Kind         string         `json:"kind"`
	FailureCount uint32         `json:"failure_count"`
	RetryUntil   spec.Timestamp `json:"retry_until_ts"`
}

// Setup registers the admin routes, and /metrics when metrics are enabled.
// All of them share the metrics basic auth.
func Setup(router *mux.Router, cfg *config.Global, queues Introspector, inputer EventAcceptor) {
	auth := httputil.BasicAuth{
		Username: cfg.Metrics.BasicAuth.Username,
		Password: cfg.Metrics.BasicAuth.Password,

		PasswordHash: cfg.Metrics.BasicAuth.PasswordHash,
	}
	admin := router.PathPrefix(AdminPathPrefix).Subrouter()

	admin.Handle("/queues",
		httputil.MakeJSONAPI("admin_queues", auth, func(req *http.Request) util.JSONResponse {
			return Queues(req, queues)
		}),
	).Methods(http.MethodGet)

	admin.Handle("/failed",
		httputil.MakeJSONAPI("admin_failed", auth, func(req *http.Request) util.JSONResponse {
			return Failed(req, queues)
		}),
	).Methods(http.MethodGet)

	admin.Handle("/events/{origin}",
		httputil.MakeJSONAPI("admin_inbound_event", auth, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return InboundEvent(req, inputer, spec.ServerName(vars["origin"]))
		}),
	).Methods(http.MethodPost)

	if cfg.Metrics.Enabled {
		router.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), auth)).Methods(http.MethodGet)
	}
}

// Queues implements GET /_fedcore/admin/queues
func Queues(req *http.Request, queues Introspector) util.JSONResponse {
	destinations := make([]destinationJSON, 0)
	for _, status := range queues.Destinations() {
		d := destinationJSON{
			Destination:  status.Destination.Key(),
			Kind:         status.Destination.Kind.String(),
			Depth:        status.Depth,
			State:        status.Status.State.String(),
			FailureCount: status.Status.FailureCount,
		}
		if !status.Status.LastAttempt.IsZero() {
			d.LastAttempt = spec.AsTimestamp(status.Status.LastAttempt)
		}
		destinations = append(destinations, d)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{"destinations": destinations},
	}
}

// Failed implements GET /_fedcore/admin/failed
func Failed(req *http.Request, queues Introspector) util.JSONResponse {
	failed := make([]failedJSON, 0)
	for destination, state := range queues.FailedDestinations() {
		failed = append(failed, failedJSON{
			Destination:  destination.Key(),
			Kind:         destination.Kind.String(),
			FailureCount: state.FailureCount,
			RetryUntil:   state.RetryUntil,
		})
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].Destination < failed[j].Destination
	})
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{"failed": failed},
	}
}

// InboundEvent implements POST /_fedcore/admin/events/{origin}, feeding one
// PDU received out of band from origin into the roomserver.
func InboundEvent(req *http.Request, inputer EventAcceptor, origin spec.ServerName) util.JSONResponse {
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxEventSize+1))
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The request body could not be read: " + err.Error()),
		}
	}
	if len(raw) > maxEventSize {
		return util.JSONResponse{
			Code: http.StatusRequestEntityTooLarge,
			JSON: spec.BadJSON("The event is too large"),
		}
	}
	result, err := inputer.AcceptInboundEvent(req.Context(), origin, raw)
	switch {
	case err == nil:
	case rstypes.IsRejected(err):
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden(err.Error()),
		}
	default:
		logrus.WithError(err).WithField("origin", origin).Error("Failed to accept inbound event")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{
			"event_id": result.EventID,
			"status":   result.Status.String(),
			"reason":   result.Reason,
		},
	}
}
