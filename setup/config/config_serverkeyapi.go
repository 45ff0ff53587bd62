package config

import "time"

// ServerKeyAPI configures package serverkeys: the local signing key, and
// the notary servers consulted when direct key fetch fails.
type ServerKeyAPI struct {
	Matrix *Global `yaml:"-"`

	// KeyValidityHorizon is the minimum remaining validity a cached key
	// needs: a key whose valid_until_ts falls within this window of now is
	// fetched again (serverkeys.New's minimumValid).
	KeyValidityHorizon string `yaml:"key_validity_horizon,omitempty"`

	// NotaryServers are tried, in order, when a direct /_matrix/key/v2/server
	// fetch fails or is unreachable.
	NotaryServers []string `yaml:"notary_servers,omitempty"`
}

func (c *ServerKeyAPI) Defaults(opts DefaultOpts) {
	if c.KeyValidityHorizon == "" {
		c.KeyValidityHorizon = "168h" // one week, matching the Matrix spec's recommended minimum_valid_until_ts window
	}
	if opts.Generate && len(c.NotaryServers) == 0 {
		c.NotaryServers = []string{"matrix.org"}
	}
}

func (c *ServerKeyAPI) Verify(errs *ConfigErrors) {
	for _, s := range c.NotaryServers {
		checkNotEmpty(errs, "server_key_api.notary_servers[]", s)
	}
}

// KeyValidityHorizonDuration parses KeyValidityHorizon, defaulting to one
// week on a malformed value (Verify does not currently reject this case).
func (c *ServerKeyAPI) KeyValidityHorizonDuration() time.Duration {
	return durationYAML(c.KeyValidityHorizon, 168*time.Hour)
}
