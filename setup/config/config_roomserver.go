package config

import (
	"time"
)

type RoomServer struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database,omitempty"`

	// The maximum number of missing prev events that will be fetched over
	// federation for a single inbound event. Anything beyond this turns the
	// inbound event into an outlier.
	MaxFetchPrevEvents int `yaml:"max_fetch_prev_events"`

	// Per-server rate limiting of outbound /event fetches.
	FetchRateLimit FetchRateLimit `yaml:"fetch_rate_limit"`

	// How long to remember that an event could not be fetched from anyone.
	MissingEventTTL time.Duration `yaml:"missing_event_ttl"`

	// Maximum number of unfetchable event IDs to remember.
	MissingEventCacheSize int `yaml:"missing_event_cache_size"`
}

type FetchRateLimit struct {
	// Number of /event requests per second allowed towards one server.
	PerSecond float64 `yaml:"per_second"`
	// Burst allowance on top of the steady rate.
	Burst int `yaml:"burst"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.MaxFetchPrevEvents = 100
	c.FetchRateLimit.PerSecond = 10
	c.FetchRateLimit.Burst = 20
	c.MissingEventTTL = 5 * time.Minute
	c.MissingEventCacheSize = 4096
	if opts.Generate {
		if !opts.SingleDatabase {
			c.Database.ConnectionString = "file:roomserver.db"
		}
	}
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "room_server.database.connection_string", string(c.Database.ConnectionString))
	}
	checkPositive(configErrs, "room_server.max_fetch_prev_events", int64(c.MaxFetchPrevEvents))
	checkPositive(configErrs, "room_server.fetch_rate_limit.burst", int64(c.FetchRateLimit.Burst))
	checkPositive(configErrs, "room_server.missing_event_ttl", int64(c.MissingEventTTL))
	checkPositive(configErrs, "room_server.missing_event_cache_size", int64(c.MissingEventCacheSize))
	if c.FetchRateLimit.PerSecond <= 0 {
		configErrs.Add("invalid value for config key \"room_server.fetch_rate_limit.per_second\": must be positive")
	}
}
