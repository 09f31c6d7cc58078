package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/federationapi/queue"
	"github.com/element-hq/fedcore/federationapi/types"
	rstypes "github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

type fakeQueues struct{}

var lastAttempt = time.UnixMilli(1_700_000_000_000)

func (fakeQueues) Destinations() []queue.DestinationStatus {
	return []queue.DestinationStatus{
		{
			Destination: types.AppServiceDestination("bridge"),
			Depth:       0,
			Status:      types.TransactionStatus{State: types.Idle},
		},
		{
			Destination: types.FederationDestination("remote.example"),
			Depth:       4,
			Status:      types.TransactionStatus{State: types.Failed, FailureCount: 2, LastAttempt: lastAttempt},
		},
	}
}

func (fakeQueues) FailedDestinations() map[types.Destination]types.RetryState {
	return map[types.Destination]types.RetryState{
		types.FederationDestination("remote.example"): {FailureCount: 2, RetryUntil: spec.Timestamp(1_700_000_120_000)},
		types.FederationDestination("down.example"):   {FailureCount: 7, RetryUntil: spec.Timestamp(1_700_001_470_000)},
	}
}

type fakeInputer struct {
	origin spec.ServerName
	raw    []byte
	err    error
}

func (f *fakeInputer) AcceptInboundEvent(_ context.Context, origin spec.ServerName, raw []byte) (rstypes.InputResult, error) {
	f.origin = origin
	f.raw = raw
	if f.err != nil {
		return rstypes.InputResult{}, f.err
	}
	return rstypes.InputResult{EventID: "$event", Status: rstypes.Outlier, Reason: "missing prev events"}, nil
}

func newRouter(metrics bool, username, password string) *mux.Router {
	cfg := &config.Global{}
	cfg.Metrics.Enabled = metrics
	cfg.Metrics.BasicAuth.Username = username
	cfg.Metrics.BasicAuth.Password = password
	router := mux.NewRouter()
	Setup(router, cfg, fakeQueues{}, &fakeInputer{})
	return router
}

func get(router http.Handler, path string, auth ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestQueuesRoute(t *testing.T) {
	t.Parallel()
	rec := get(newRouter(false, "", ""), "/_fedcore/admin/queues")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"destinations":[
		{"destination":"as:bridge","kind":"appservice","depth":0,"state":"idle","failure_count":0},
		{"destination":"fed:remote.example","kind":"federation","depth":4,"state":"failed","failure_count":2,"last_attempt_ts":1700000000000}
	]}`, rec.Body.String())
}

func TestFailedRoute(t *testing.T) {
	t.Parallel()
	rec := get(newRouter(false, "", ""), "/_fedcore/admin/failed")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"failed":[
		{"destination":"fed:down.example","kind":"federation","failure_count":7,"retry_until_ts":1700001470000},
		{"destination":"fed:remote.example","kind":"federation","failure_count":2,"retry_until_ts":1700000120000}
	]}`, rec.Body.String())
}

func TestAdminRoutesRequireBasicAuth(t *testing.T) {
	t.Parallel()
	router := newRouter(true, "admin", "hunter2")
	for _, path := range []string{"/_fedcore/admin/queues", "/_fedcore/admin/failed", "/metrics"} {
		assert.Equal(t, http.StatusForbidden, get(router, path).Code, path)
		assert.Equal(t, http.StatusForbidden, get(router, path, "admin", "wrong").Code, path)
		assert.Equal(t, http.StatusOK, get(router, path, "admin", "hunter2").Code, path)
	}
}

func TestMetricsRouteOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	assert.Equal(t, http.StatusNotFound, get(newRouter(false, "", ""), "/metrics").Code)

	rec := get(newRouter(true, "", ""), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestInboundEventRoute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{name: "outlier", wantCode: http.StatusOK, wantBody: `{"event_id":"$event","status":"outlier","reason":"missing prev events"}`},
		{name: "rejected", err: rstypes.RejectedError("bad signature"), wantCode: http.StatusForbidden},
		{name: "storage failure", err: errors.New("disk full"), wantCode: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inputer := &fakeInputer{err: tt.err}
			router := mux.NewRouter()
			Setup(router, &config.Global{}, fakeQueues{}, inputer)

			body := `{"type":"m.room.message"}`
			req := httptest.NewRequest(http.MethodPost, "/_fedcore/admin/events/remote.example", strings.NewReader(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, spec.ServerName("remote.example"), inputer.origin)
			assert.Equal(t, body, string(inputer.raw))
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestInboundEventTooLarge(t *testing.T) {
	t.Parallel()
	inputer := &fakeInputer{}
	router := mux.NewRouter()
	Setup(router, &config.Global{}, fakeQueues{}, inputer)

	body := `{"pad":"` + strings.Repeat("x", maxEventSize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/_fedcore/admin/events/remote.example", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Nil(t, inputer.raw)
}
