package config

import (
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/internal/util"
)

type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	// The database stores the outbound queues and retry states.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// Outbound transaction queue settings.
	SendQueue SendQueue `yaml:"send_queue"`

	// Timeout for a single outbound federation request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Upper bound on how long a fetched server key response is trusted,
	// regardless of its valid_until_ts.
	KeyCacheMaxAge time.Duration `yaml:"key_cache_max_age"`

	// After a failed key fetch, how long to wait before asking the same
	// server again.
	KeyFetchFailureBackoff time.Duration `yaml:"key_fetch_failure_backoff"`

	// Destinations that never receive anything from us.
	DenyList []spec.ServerName `yaml:"deny_list"`
}

type SendQueue struct {
	// Maximum number of durable items in one outbound transaction.
	BatchSize int `yaml:"batch_size"`
	// Maximum number of in-flight outbound requests across all destinations.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
	// How often Failed destinations are checked for an elapsed backoff.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// Ceiling for the quadratic backoff.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// Maximum number of ephemeral EDUs in one federation transaction.
	MaxEphemeralPerTransaction int `yaml:"max_ephemeral_per_transaction"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.SendQueue.BatchSize = 30
	c.SendQueue.MaxConcurrentRequests = 32
	c.SendQueue.RetryInterval = time.Minute
	c.SendQueue.MaxBackoff = 24 * time.Hour
	c.SendQueue.MaxEphemeralPerTransaction = 100
	c.RequestTimeout = 2 * time.Minute
	c.KeyCacheMaxAge = 24 * time.Hour
	c.KeyFetchFailureBackoff = time.Minute
	if opts.Generate {
		if !opts.SingleDatabase {
			c.Database.ConnectionString = "file:federationapi.db"
		}
	}
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "federation_api.database.connection_string", string(c.Database.ConnectionString))
	}
	checkPositive(configErrs, "federation_api.send_queue.batch_size", int64(c.SendQueue.BatchSize))
	checkPositive(configErrs, "federation_api.send_queue.max_concurrent_requests", int64(c.SendQueue.MaxConcurrentRequests))
	checkPositive(configErrs, "federation_api.send_queue.retry_interval", int64(c.SendQueue.RetryInterval))
	checkPositive(configErrs, "federation_api.send_queue.max_backoff", int64(c.SendQueue.MaxBackoff))
	checkPositive(configErrs, "federation_api.send_queue.max_ephemeral_per_transaction", int64(c.SendQueue.MaxEphemeralPerTransaction))
	checkPositive(configErrs, "federation_api.request_timeout", int64(c.RequestTimeout))
	checkPositive(configErrs, "federation_api.key_cache_max_age", int64(c.KeyCacheMaxAge))
	checkPositive(configErrs, "federation_api.key_fetch_failure_backoff", int64(c.KeyFetchFailureBackoff))
}

// IsDenied returns true if nothing may be sent to the given server.
func (c *FederationAPI) IsDenied(serverName spec.ServerName) bool {
	serverName = util.NormalizeServerName(serverName)
	for _, denied := range c.DenyList {
		if util.NormalizeServerName(denied) == serverName {
			return true
		}
	}
	return false
}
