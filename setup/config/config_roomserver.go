package config

// RoomServer configures the event-handler/room-state core (packages
// eventinput, timeline, roomstate/*, roomauth, shortid, storage/pdustore).
type RoomServer struct {
	Matrix  *Global         `yaml:"-"`
	Derived *Derived        `yaml:"-"`
	Database DatabaseOptions `yaml:"database,omitempty"`

	// StateCompressorMaxDepth is defaulted and validated here, but package
	// roomstate/compressor does not read it: its layer-chain cap is the
	// constant compressor.MaxChainDepth (also 100).
	StateCompressorMaxDepth int `yaml:"state_compressor_max_depth,omitempty"`

	// DefaultRoomVersion is used for locally-created rooms when a client
	// does not specify one.
	DefaultRoomVersion string `yaml:"default_room_version,omitempty"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.Database.Defaults(10)
	if c.StateCompressorMaxDepth == 0 {
		c.StateCompressorMaxDepth = 100
	}
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:roomserver.db"
	}
}

func (c *RoomServer) Verify(errs *ConfigErrors) {
	c.Database.Verify(errs, "room_server.database")
	checkPositive(errs, "room_server.state_compressor_max_depth", int64(c.StateCompressorMaxDepth))
}
