package config

import "time"

// SyncAPI configures both sync variants (packages syncapi/sync and
// syncapi/sync/sliding).
type SyncAPI struct {
	Matrix   *Global         `yaml:"-"`
	Database DatabaseOptions `yaml:"database,omitempty"`

	// LongPollTimeout bounds how long a /sync request blocks waiting for
	// new data before returning an empty response.
	LongPollTimeout string `yaml:"long_poll_timeout,omitempty"`

	// SlidingSyncConnectionTTL is how long an idle sliding-sync connection
	// (its lists/known-rooms/subscriptions cache) is retained before being
	// evicted.
	SlidingSyncConnectionTTL string `yaml:"sliding_sync_connection_ttl,omitempty"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.Database.Defaults(10)
	if c.LongPollTimeout == "" {
		c.LongPollTimeout = "30s"
	}
	if c.SlidingSyncConnectionTTL == "" {
		c.SlidingSyncConnectionTTL = "5m"
	}
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:syncapi.db"
	}
}

func (c *SyncAPI) Verify(errs *ConfigErrors) {
	c.Database.Verify(errs, "sync_api.database")
	if _, err := time.ParseDuration(c.LongPollTimeout); err != nil {
		errs.Add("sync_api.long_poll_timeout must be a valid duration")
	}
	if _, err := time.ParseDuration(c.SlidingSyncConnectionTTL); err != nil {
		errs.Add("sync_api.sliding_sync_connection_ttl must be a valid duration")
	}
}

// LongPollTimeoutDuration parses LongPollTimeout, defaulting to 30s on a
// malformed value (Verify should already have rejected that case).
func (c *SyncAPI) LongPollTimeoutDuration() time.Duration {
	return durationYAML(c.LongPollTimeout, 30*time.Second)
}

// SlidingSyncConnectionTTLDuration parses SlidingSyncConnectionTTL.
func (c *SyncAPI) SlidingSyncConnectionTTLDuration() time.Duration {
	return durationYAML(c.SlidingSyncConnectionTTL, 5*time.Minute)
}
