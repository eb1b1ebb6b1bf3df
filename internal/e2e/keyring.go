package e2e

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the derived symmetric key (AES-256).
const KeySize = 32

// Key is a derived per-session symmetric key. It never leaves the process.
type Key [KeySize]byte

// ErrKeyAgreementPending means the peer has not published its public key yet.
// It is a normal transient state, not a failure.
var ErrKeyAgreementPending = errors.New("key agreement pending")

const kdfLabel = "wingbridge-e2e"

var curve = ecdh.P256()

// State is the key agreement state of one session.
type State int

const (
	StateUnknown     State = iota // no record for the session
	StatePending                  // local key pair exists, waiting for the peer's key
	StateEstablished              // shared key derived and cached
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

type session struct {
	local      *ecdh.PrivateKey
	remote     []byte
	key        *Key
	created    time.Time
	lastActive time.Time
}

// Keyring holds per-session key material. It is not safe for concurrent use;
// the daemon's coordination loop is its only owner.
type Keyring struct {
	sessions map[string]*session
	now      func() time.Time
}

func NewKeyring() *Keyring {
	return &Keyring{sessions: make(map[string]*session), now: time.Now}
}

// EnsureLocalKeypair returns the session's local public key (uncompressed
// SEC1), generating a key pair if the session has none. created reports
// whether a new pair was generated and so must be published.
func (k *Keyring) EnsureLocalKeypair(sessionID string) (pub []byte, created bool, err error) {
	if s, ok := k.sessions[sessionID]; ok {
		return s.local.PublicKey().Bytes(), false, nil
	}
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generate key: %w", err)
	}
	now := k.now()
	k.sessions[sessionID] = &session{local: priv, created: now, lastActive: now}
	return priv.PublicKey().Bytes(), true, nil
}

// ObserveRemotePublicKey records the peer's public key. A key different from
// the one already recorded is a new pairing: the local key pair is replaced
// and the cached shared key dropped. republish reports whether the local
// public key changed and must be published again.
func (k *Keyring) ObserveRemotePublicKey(sessionID string, keyBytes []byte) (republish bool, err error) {
	if _, err := curve.NewPublicKey(keyBytes); err != nil {
		return false, fmt.Errorf("invalid peer public key: %w", err)
	}
	_, created, err := k.EnsureLocalKeypair(sessionID)
	if err != nil {
		return false, err
	}
	s := k.sessions[sessionID]
	s.lastActive = k.now()
	switch {
	case s.remote == nil:
		s.remote = bytes.Clone(keyBytes)
		return created, nil
	case bytes.Equal(s.remote, keyBytes):
		return false, nil
	}

	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("generate key: %w", err)
	}
	s.local = priv
	s.remote = bytes.Clone(keyBytes)
	s.key = nil
	return true, nil
}

// DeriveSharedKey returns the session's symmetric key, deriving and caching
// it on first use. Returns ErrKeyAgreementPending until the peer key is known.
func (k *Keyring) DeriveSharedKey(sessionID string) (Key, error) {
	s, ok := k.sessions[sessionID]
	if !ok || s.remote == nil {
		return Key{}, ErrKeyAgreementPending
	}
	if s.key != nil {
		return *s.key, nil
	}
	key, err := DeriveKey(s.local, s.remote)
	if err != nil {
		return Key{}, err
	}
	s.key = &key
	return key, nil
}

// State reports where the session is in the key agreement.
func (k *Keyring) State(sessionID string) State {
	s, ok := k.sessions[sessionID]
	switch {
	case !ok:
		return StateUnknown
	case s.key != nil:
		return StateEstablished
	default:
		return StatePending
	}
}

// LocalPublicKey returns the session's current local public key, or nil.
func (k *Keyring) LocalPublicKey(sessionID string) []byte {
	if s, ok := k.sessions[sessionID]; ok {
		return s.local.PublicKey().Bytes()
	}
	return nil
}

// Touch marks the session as active.
func (k *Keyring) Touch(sessionID string) {
	if s, ok := k.sessions[sessionID]; ok {
		s.lastActive = k.now()
	}
}

// Forget discards all key material for the session.
func (k *Keyring) Forget(sessionID string) {
	if s, ok := k.sessions[sessionID]; ok {
		if s.key != nil {
			*s.key = Key{}
		}
		delete(k.sessions, sessionID)
	}
}

// Expire forgets every session idle for longer than ttl and returns their ids.
func (k *Keyring) Expire(ttl time.Duration) []string {
	cutoff := k.now().Add(-ttl)
	var expired []string
	for id, s := range k.sessions {
		if s.lastActive.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		k.Forget(id)
	}
	return expired
}

// Len returns the number of sessions with key material.
func (k *Keyring) Len() int {
	return len(k.sessions)
}

// DeriveKey performs P-256 ECDH + HKDF-SHA256 to produce the session key.
// The HKDF info binds both public keys in byte order, so both peers derive
// the same key from the same pair of public keys.
func DeriveKey(priv *ecdh.PrivateKey, peerPub []byte) (Key, error) {
	peer, err := curve.NewPublicKey(peerPub)
	if err != nil {
		return Key{}, fmt.Errorf("parse peer public key: %w", err)
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return Key{}, fmt.Errorf("ecdh: %w", err)
	}

	a, b := priv.PublicKey().Bytes(), peer.Bytes()
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	info := make([]byte, 0, len(kdfLabel)+len(a)+len(b))
	info = append(info, kdfLabel...)
	info = append(info, a...)
	info = append(info, b...)

	// HKDF-SHA256, salt = 32 zero bytes
	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, salt, info)
	var key Key
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return Key{}, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// GenerateKeyPair returns a fresh P-256 key pair, used by peers and tests.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	return curve.GenerateKey(rand.Reader)
}

// EncodePublicKey renders a public key for the mailbox.
func EncodePublicKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a mailbox public key and checks it is on the curve.
func DecodePublicKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if _, err := curve.NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return raw, nil
}
