package serverkeys

import (
	"context"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	direct  map[spec.ServerName]gomatrixserverlib.ServerKeys
	notary  map[spec.ServerName][]gomatrixserverlib.ServerKeys
	directErr error
}

func (f *fakeFetcher) GetServerKeys(ctx context.Context, server spec.ServerName) (gomatrixserverlib.ServerKeys, error) {
	if f.directErr != nil {
		return gomatrixserverlib.ServerKeys{}, f.directErr
	}
	keys, ok := f.direct[server]
	if !ok {
		return gomatrixserverlib.ServerKeys{}, assert.AnError
	}
	return keys, nil
}

func (f *fakeFetcher) LookupServerKeys(ctx context.Context, notary spec.ServerName, req map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp) ([]gomatrixserverlib.ServerKeys, error) {
	results, ok := f.notary[notary]
	if !ok {
		return nil, assert.AnError
	}
	return results, nil
}

func TestFetchVerifyKeys_DirectSuccess(t *testing.T) {
	pub, priv, err := GenerateKey()
	require.NoError(t, err)

	fetch := &fakeFetcher{
		direct: map[spec.ServerName]gomatrixserverlib.ServerKeys{
			"remote.example": {
				ValidUntilTS: spec.AsTimestamp(time.Now().Add(time.Hour)),
				VerifyKeys: map[gomatrixserverlib.KeyID]gomatrixserverlib.VerifyKey{
					"ed25519:1": {Key: gomatrixserverlib.Base64Bytes(pub)},
				},
			},
		},
	}
	k := New("local.example", "ed25519:auto", priv, fetch, nil, time.Minute)
	keys, err := k.FetchVerifyKeys(context.Background(), "remote.example")
	require.NoError(t, err)
	assert.Equal(t, gomatrixserverlib.KeyID("ed25519:1"), func() gomatrixserverlib.KeyID {
		for id := range keys {
			return id
		}
		return ""
	}())
}

func TestFetchVerifyKeys_NotaryFallback(t *testing.T) {
	ourPub, ourPriv, err := GenerateKey()
	require.NoError(t, err)
	_ = ourPub
	k := New("local.example", "ed25519:auto", ourPriv, &fakeFetcher{
		direct: map[spec.ServerName]gomatrixserverlib.ServerKeys{},
		notary: map[spec.ServerName][]gomatrixserverlib.ServerKeys{
			"notary.example": {{
				ServerName:   "remote.example",
				ValidUntilTS: spec.AsTimestamp(time.Now().Add(time.Hour)),
				VerifyKeys: map[gomatrixserverlib.KeyID]gomatrixserverlib.VerifyKey{
					"ed25519:1": {},
				},
			}},
		},
	}, []spec.ServerName{"notary.example"}, time.Minute)

	keys, err := k.FetchVerifyKeys(context.Background(), "remote.example")
	require.NoError(t, err)
	assert.Contains(t, keys, gomatrixserverlib.KeyID("ed25519:1"))
}

func TestFetchVerifyKeys_ExpiredKeyNotReturned(t *testing.T) {
	_, priv, err := GenerateKey()
	require.NoError(t, err)
	k := New("local.example", "ed25519:auto", priv, &fakeFetcher{
		direct: map[spec.ServerName]gomatrixserverlib.ServerKeys{
			"remote.example": {
				ValidUntilTS: spec.AsTimestamp(time.Now().Add(-time.Hour)), // already expired
				VerifyKeys: map[gomatrixserverlib.KeyID]gomatrixserverlib.VerifyKey{
					"ed25519:1": {},
				},
			},
		},
	}, nil, time.Minute)

	_, err = k.FetchVerifyKeys(context.Background(), "remote.example")
	assert.Error(t, err)
}

func TestOurActiveKeyStable(t *testing.T) {
	_, priv, err := GenerateKey()
	require.NoError(t, err)
	k := New("local.example", "ed25519:auto", priv, &fakeFetcher{}, nil, time.Hour)
	id1, pub1 := k.OurActiveKey()
	id2, pub2 := k.OurActiveKey()
	assert.Equal(t, id1, id2)
	assert.Equal(t, pub1, pub2)
}
