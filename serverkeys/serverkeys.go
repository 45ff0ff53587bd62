// Package serverkeys issues this server's own signing key, caches and
// verifies remote servers' signing keys, and falls back to a notary
// server when a direct key fetch fails.
//
// The shape follows gomatrixserverlib's KeyRing design (a direct fetcher
// backed by a perspective/notary fetcher list); fetched keys are cached
// in memory. cmd/homeservercore wires a stub Fetcher whose fetches always
// fail; no federation-HTTP Fetcher is part of this module.
package serverkeys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeservercore/pdu"
)

// Fetcher is the narrow surface this package needs from a federation
// client: direct key fetch from the origin, and notary ("perspective")
// fetch via a trusted third party. Shaped after
// *fclient.FederationClient's key-fetch methods.
type Fetcher interface {
	GetServerKeys(ctx context.Context, server spec.ServerName) (gomatrixserverlib.ServerKeys, error)
	LookupServerKeys(ctx context.Context, notary spec.ServerName, serverKeys map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp) ([]gomatrixserverlib.ServerKeys, error)
}

// Verified is the result of VerifyEvent: All when both signatures and
// content-hash pass; Signatures when the hash indicates
// redaction-equivalent content.
type Verified int

const (
	VerifiedNone Verified = iota
	VerifiedSignatures
	VerifiedAll
)

func (v Verified) String() string {
	switch v {
	case VerifiedAll:
		return "all"
	case VerifiedSignatures:
		return "signatures"
	default:
		return "none"
	}
}

type cachedKey struct {
	publicKey  ed25519.PublicKey
	validUntil spec.Timestamp
}

// Keys owns the local signing identity plus a cache of remote servers'
// verify keys.
type Keys struct {
	serverName spec.ServerName
	keyID      gomatrixserverlib.KeyID
	private    ed25519.PrivateKey

	fetch    Fetcher
	notaries []spec.ServerName
	// minimumValid is the validity horizon: a key whose
	// validity would expire within this window of "now" is treated as
	// needing re-fetch even if technically still valid, so a long
	// verification pipeline never straddles an expiry.
	minimumValid time.Duration

	mu    sync.RWMutex
	cache map[spec.ServerName]map[gomatrixserverlib.KeyID]cachedKey
}

// New constructs a Keys service. notaries is consulted, in order, when a
// direct fetch from the origin server fails or times out.
func New(serverName spec.ServerName, keyID gomatrixserverlib.KeyID, private ed25519.PrivateKey, fetch Fetcher, notaries []spec.ServerName, minimumValid time.Duration) *Keys {
	return &Keys{
		serverName:   serverName,
		keyID:        keyID,
		private:      private,
		fetch:        fetch,
		notaries:     notaries,
		minimumValid: minimumValid,
		cache:        make(map[spec.ServerName]map[gomatrixserverlib.KeyID]cachedKey),
	}
}

// GenerateKey mints a fresh ed25519 signing key, for first-run setup.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

const pemBlockType = "MATRIX PRIVATE KEY"

// LoadOrCreatePrivateKey reads an ed25519 seed from a PEM file at path,
// creating one on first run if the file does not exist.
func LoadOrCreatePrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil || block.Type != pemBlockType {
			return nil, fmt.Errorf("serverkeys: %s does not contain a %s block", path, pemBlockType)
		}
		if len(block.Bytes) != ed25519.SeedSize {
			return nil, fmt.Errorf("serverkeys: %s has a malformed seed", path)
		}
		return ed25519.NewKeyFromSeed(block.Bytes), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	_, priv, genErr := GenerateKey()
	if genErr != nil {
		return nil, genErr
	}
	block := &pem.Block{Type: pemBlockType, Bytes: priv.Seed()}
	if writeErr := os.WriteFile(path, pem.EncodeToMemory(block), 0600); writeErr != nil {
		return nil, fmt.Errorf("serverkeys: writing new key to %s: %w", path, writeErr)
	}
	return priv, nil
}

// OurActiveKey returns this server's stable signing key id and public key.
func (k *Keys) OurActiveKey() (gomatrixserverlib.KeyID, ed25519.PublicKey) {
	return k.keyID, k.private.Public().(ed25519.PublicKey)
}

// Sign signs message (already in canonical JSON form) with our active key.
func (k *Keys) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// FetchVerifyKeys resolves server's current verify keys, trying the
// cache, then a direct fetch, then each configured notary in order.
func (k *Keys) FetchVerifyKeys(ctx context.Context, server spec.ServerName) (map[gomatrixserverlib.KeyID]ed25519.PublicKey, error) {
	now := spec.AsTimestamp(timeNow())
	if cached := k.cachedValid(server, now); len(cached) > 0 {
		return cached, nil
	}

	if keys, err := k.fetch.GetServerKeys(ctx, server); err == nil {
		k.store(server, keys)
		if result := k.cachedValid(server, now); len(result) > 0 {
			return result, nil
		}
	}

	request := map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp{
		{ServerName: server}: now,
	}
	for _, notary := range k.notaries {
		results, err := k.fetch.LookupServerKeys(ctx, notary, request)
		if err != nil {
			continue
		}
		for _, keys := range results {
			k.store(server, keys)
		}
		if result := k.cachedValid(server, now); len(result) > 0 {
			return result, nil
		}
	}
	return nil, fmt.Errorf("serverkeys: could not resolve verify keys for %s (direct fetch and %d notaries all failed)", server, len(k.notaries))
}

func (k *Keys) store(server spec.ServerName, keys gomatrixserverlib.ServerKeys) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cache[server] == nil {
		k.cache[server] = make(map[gomatrixserverlib.KeyID]cachedKey)
	}
	for keyID, vk := range keys.VerifyKeys {
		k.cache[server][keyID] = cachedKey{publicKey: ed25519.PublicKey(vk.Key), validUntil: keys.ValidUntilTS}
	}
}

// cachedValid returns the subset of server's cached keys still valid at
// now, accounting for the minimum-valid horizon: a key whose validity
// window ends within the horizon is excluded so callers re-fetch ahead
// of actual expiry.
func (k *Keys) cachedValid(server spec.ServerName, now spec.Timestamp) map[gomatrixserverlib.KeyID]ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[gomatrixserverlib.KeyID]ed25519.PublicKey)
	horizonTS := spec.AsTimestamp(timeNow().Add(k.minimumValid))
	for keyID, ck := range k.cache[server] {
		if ck.validUntil >= horizonTS {
			out[keyID] = ck.publicKey
		}
	}
	return out
}

// timeNow is a seam so tests can't race on wall-clock edges; production
// always uses time.Now.
var timeNow = time.Now

// VerifyEvent resolves signing keys for the origins signingOrigins
// returns (the sender's server), then checks signatures and the
// reference hash.
//
// VerifiedAll: signatures and content-hash both check out.
// VerifiedSignatures: signatures check out but the computed reference
// hash does not match the declared one; the event is treated as
// verified with redaction-equivalent content.
func (k *Keys) VerifyEvent(ctx context.Context, ev *pdu.Headered) (Verified, error) {
	origins := signingOrigins(ev)
	verifier := func(server spec.ServerName, keyID gomatrixserverlib.KeyID, message, signature []byte) error {
		if server == k.serverName && keyID == k.keyID {
			if !ed25519.Verify(k.private.Public().(ed25519.PublicKey), message, signature) {
				return fmt.Errorf("serverkeys: our own signature does not verify (corrupt local state)")
			}
			return nil
		}
		keys, err := k.FetchVerifyKeys(ctx, server)
		if err != nil {
			return err
		}
		pub, ok := keys[keyID]
		if !ok {
			return fmt.Errorf("serverkeys: %s has no known key %s", server, keyID)
		}
		if !ed25519.Verify(pub, message, signature) {
			return fmt.Errorf("serverkeys: signature from %s/%s does not verify", server, keyID)
		}
		return nil
	}

	if err := gomatrixserverlib.VerifyEventSignatures(ctx, ev.PDU, origins, verifier); err != nil {
		return VerifiedNone, err
	}

	if ev.PDU.VerifyEventID() {
		return VerifiedAll, nil
	}
	return VerifiedSignatures, nil
}

// signingOrigins lists the servers whose signatures VerifyEvent checks:
// the sender's own server only. No further origin is added for any event
// type, including invite and join events.
func signingOrigins(ev *pdu.Headered) []spec.ServerName {
	origins := map[spec.ServerName]bool{}
	if _, server, err := spec.UserID(string(ev.SenderID())).ParseAndValidate(); err == nil {
		_ = server
	}
	origins[originOf(string(ev.SenderID()))] = true
	return serverNameSlice(origins)
}

func originOf(userID string) spec.ServerName {
	for i, c := range userID {
		if c == ':' {
			return spec.ServerName(userID[i+1:])
		}
	}
	return ""
}

func serverNameSlice(set map[spec.ServerName]bool) []spec.ServerName {
	out := make([]spec.ServerName, 0, len(set))
	for s := range set {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
