// Package iceconfig assembles the ICE server list handed to room peers.
// When a TURN REST shared secret is configured, ephemeral coturn-compatible
// credentials are minted per peer and injected into every TURN entry:
//
//	username   = <unix_expiry>:<prefix>:<peer_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package iceconfig

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	DefaultCredentialTTL  = time.Hour
	DefaultUsernamePrefix = "fableboard"
)

type Config struct {
	// Servers is the static ICE server list. TURN entries may omit
	// credentials; they are filled in per request when TURNSharedSecret is
	// set.
	Servers []webrtc.ICEServer

	// TURNSharedSecret enables TURN REST credential minting. Empty disables
	// it and Servers is returned as-is.
	TURNSharedSecret string
	CredentialTTL    time.Duration
	UsernamePrefix   string

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiryUnix int64  `json:"expiryUnix"`
}

// Provider hands out per-peer ICE configurations.
type Provider struct {
	servers []webrtc.ICEServer
	secret  []byte
	ttl     time.Duration
	prefix  string
	now     func() time.Time
}

func New(cfg Config) (*Provider, error) {
	if cfg.CredentialTTL == 0 {
		cfg.CredentialTTL = DefaultCredentialTTL
	}
	if cfg.CredentialTTL < 0 {
		return nil, errors.New("iceconfig: CredentialTTL must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		cfg.UsernamePrefix = DefaultUsernamePrefix
	}
	if strings.ContainsRune(cfg.UsernamePrefix, ':') {
		return nil, errors.New("iceconfig: UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := &Provider{
		servers: cfg.Servers,
		ttl:     cfg.CredentialTTL,
		prefix:  cfg.UsernamePrefix,
		now:     cfg.Now,
	}
	if cfg.TURNSharedSecret != "" {
		p.secret = []byte(cfg.TURNSharedSecret)
	}
	return p, nil
}

func (p *Provider) CredentialsEnabled() bool { return len(p.secret) > 0 }

// Credentials mints ephemeral TURN credentials bound to peerID. The peer ID
// lands in the TURN username, so it must not contain the field separator.
func (p *Provider) Credentials(peerID string) (Credentials, error) {
	if !p.CredentialsEnabled() {
		return Credentials{}, errors.New("iceconfig: TURN REST is not configured")
	}
	if peerID == "" {
		return Credentials{}, errors.New("iceconfig: peerID is required")
	}
	if strings.ContainsRune(peerID, ':') {
		return Credentials{}, errors.New("iceconfig: peerID must not contain ':'")
	}
	expiry := p.now().UTC().Add(p.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiry, p.prefix, peerID)
	mac := hmac.New(sha1.New, p.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}

// ServersFor returns the ICE server list for one peer. With TURN REST
// enabled, every TURN entry gets that peer's ephemeral credentials; STUN
// entries pass through untouched. The result is always a fresh slice.
func (p *Provider) ServersFor(peerID string) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(p.servers))
	copy(out, p.servers)
	if !p.CredentialsEnabled() {
		return out, nil
	}

	creds, err := p.Credentials(peerID)
	if err != nil {
		return nil, err
	}
	for i, server := range out {
		if hasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out, nil
}

// RandomPeerID backs the ICE endpoint when a caller has no peer identity
// yet (credentials are still scoped and expiring, just not attributable).
func RandomPeerID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
