package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalVerifyRequiresServerName(t *testing.T) {
	g := Global{}
	var errs ConfigErrors
	g.Verify(&errs)
	assert.Contains(t, errs, "global.server_name must not be empty")
}

func TestHomeserverCoreDefaultsThenVerifyPasses(t *testing.T) {
	var c HomeserverCore
	c.Defaults(DefaultOpts{Generate: true, SingleDatabase: true})
	require.NoError(t, c.Verify())
	assert.Equal(t, "10", c.Global.DefaultRoomVersion)
	assert.Equal(t, "file:homeservercore.db", c.RoomServer.Database.ConnectionString)
	assert.Same(t, &c.Global, c.RoomServer.Matrix)
}

func TestFederationSenderDefaultsMatchSpecLimits(t *testing.T) {
	var c FederationSender
	c.Defaults(DefaultOpts{})
	assert.Equal(t, 50, c.PDULimit)
	assert.Equal(t, 100, c.EDULimit)
	assert.Equal(t, 256, c.PresenceLimit)
}

func TestSyncAPIVerifyRejectsBadDuration(t *testing.T) {
	c := SyncAPI{LongPollTimeout: "not-a-duration", SlidingSyncConnectionTTL: "5m"}
	var errs ConfigErrors
	c.Verify(&errs)
	assert.Contains(t, errs, "sync_api.long_poll_timeout must be a valid duration")
}

func TestServerKeyAPIDefaultsAddNotaryServerOnGenerate(t *testing.T) {
	var c ServerKeyAPI
	c.Defaults(DefaultOpts{Generate: true})
	assert.Equal(t, []string{"matrix.org"}, c.NotaryServers)
}
