// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/matrix-org/util"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// BasicAuth is used for authorization on /metrics and admin handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// PasswordHash is a bcrypt hash, checked instead of Password when set.
	PasswordHash string `yaml:"password_hash"`
}

func (b BasicAuth) configured() bool {
	return b.Username != "" && (b.Password != "" || b.PasswordHash != "")
}

func (b BasicAuth) matches(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) != 1 {
		return false
	}
	if b.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(b.PasswordHash), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) == 1
}

var adminRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fedcore",
		Subsystem: "admin",
		Name:      "request_duration_seconds",
		Help:      "Time spent serving admin introspection requests",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	},
	[]string{"handler", "code"},
)

func init() {
	prometheus.MustRegister(adminRequestDuration)
}

// MakeJSONAPI wraps a JSON handler with tracing, request logging and a
// duration histogram labelled with metricsName.
func MakeJSONAPI(metricsName string, auth BasicAuth, f func(*http.Request) util.JSONResponse) http.Handler {
	jsonHandler := util.MakeJSONAPI(util.NewJSONRequestHandler(f))
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		span := opentracing.StartSpan(metricsName)
		defer span.Finish()
		req = req.WithContext(opentracing.ContextWithSpan(req.Context(), span))
		span.SetTag("http.remote_addr", RemoteAddr(req))

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		jsonHandler(rec, req)

		ext.HTTPStatusCode.Set(span, uint16(rec.code))
		adminRequestDuration.WithLabelValues(metricsName, http.StatusText(rec.code)).Observe(time.Since(start).Seconds())
		logrus.WithFields(logrus.Fields{
			"handler": metricsName,
			"code":    rec.code,
		}).Trace("Served admin request")
	}
	return WrapHandlerInBasicAuth(http.HandlerFunc(withSpan), auth)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics
// and the admin introspection routes.
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if !b.configured() {
		logrus.Warn("Admin endpoints are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if !b.configured() {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()

		if !ok || !b.matches(user, pass) {
			logrus.WithFields(logrus.Fields{
				"path":   r.URL.Path,
				"remote": RemoteAddr(r),
			}).Warn("Rejected admin request with bad credentials")
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}
