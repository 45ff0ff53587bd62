package config

// FederationSender configures package federationsender's per-destination
// queues, transaction limits, and HTTP client.
type FederationSender struct {
	Matrix   *Global         `yaml:"-"`
	Database DatabaseOptions `yaml:"database,omitempty"`

	// SendMaxRetries bounds the exponential backoff a destination queue
	// applies before it is marked blacklisted.
	SendMaxRetries int `yaml:"send_max_retries,omitempty"`

	// PDULimit/EDULimit/PresenceLimit fill federationsender.Limits'
	// PDU/EDU/Presence fields; they default to 50/100/256. The sender
	// applies the PDU and EDU caps per transaction but not the Presence one.
	PDULimit      int `yaml:"pdu_limit,omitempty"`
	EDULimit      int `yaml:"edu_limit,omitempty"`
	PresenceLimit int `yaml:"presence_limit,omitempty"`

	// DisableTLSValidation allows self-signed federation peers in test
	// deployments; never set true in production config.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`
}

func (c *FederationSender) Defaults(opts DefaultOpts) {
	c.Database.Defaults(10)
	if c.SendMaxRetries == 0 {
		c.SendMaxRetries = 16
	}
	if c.PDULimit == 0 {
		c.PDULimit = 50
	}
	if c.EDULimit == 0 {
		c.EDULimit = 100
	}
	if c.PresenceLimit == 0 {
		c.PresenceLimit = 256
	}
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:federationsender.db"
	}
}

func (c *FederationSender) Verify(errs *ConfigErrors) {
	c.Database.Verify(errs, "federation_sender.database")
	checkPositive(errs, "federation_sender.pdu_limit", int64(c.PDULimit))
	checkPositive(errs, "federation_sender.edu_limit", int64(c.EDULimit))
	checkPositive(errs, "federation_sender.presence_limit", int64(c.PresenceLimit))
}
