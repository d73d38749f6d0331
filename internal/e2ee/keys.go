// Package e2ee implements end-to-end encryption support for room
// participants: X25519 key agreement, HKDF secret derivation, AES-256-GCM
// envelope encryption, Ed25519 envelope signatures, and nonce-based replay
// protection. Private key material never leaves this package and is never
// shared across server instances.
package e2ee

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// KeyType distinguishes long-lived identity keys from per-room ephemerals.
type KeyType string

const (
	KeyTypeIdentity  KeyType = "identity"
	KeyTypeEphemeral KeyType = "ephemeral"
)

var (
	ErrKeyNotFound    = errors.New("e2ee: key not found")
	ErrKeyExpired     = errors.New("e2ee: key expired")
	ErrUnknownPeer    = errors.New("e2ee: unknown peer key")
	ErrNoSharedSecret = errors.New("e2ee: no shared secret for pair")
)

var x25519 = ecdh.X25519()

const sharedSecretSize = 32

// keyPair holds one participant's key material for one room. Private fields
// stay inside the package.
type keyPair struct {
	id        string
	userID    string
	roomID    string
	keyType   KeyType
	private   *ecdh.PrivateKey
	public    *ecdh.PublicKey
	sigPriv   ed25519.PrivateKey
	sigPub    ed25519.PublicKey
	createdAt time.Time
	expiresAt time.Time
}

func (k *keyPair) expired(now time.Time) bool {
	return now.After(k.expiresAt)
}

// PublicKeyInfo is the only key material callers ever see.
type PublicKeyInfo struct {
	KeyID              string
	UserID             string
	RoomID             string
	Type               KeyType
	PublicKey          []byte
	SignaturePublicKey []byte
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

type pairScope struct {
	userID string
	roomID string
}

type secretScope struct {
	roomID string
	lowID  string
	highID string
}

func newSecretScope(roomID, a, b string) secretScope {
	if a > b {
		a, b = b, a
	}
	return secretScope{roomID: roomID, lowID: a, highID: b}
}

type peerKey struct {
	public  *ecdh.PublicKey
	sigPub  ed25519.PublicKey
	addedAt time.Time
}

// KeyManager owns all private key material and derived shared secrets for
// the participants connected to this instance.
type KeyManager struct {
	mu         sync.Mutex
	signatures bool
	maxAge     time.Duration

	keys    map[string]*keyPair    // key id -> pair
	active  map[pairScope]string   // (user, room) -> active key id
	peers   map[pairScope]*peerKey // (peer, room) -> advertised public keys
	secrets map[secretScope][]byte // canonical sorted pair -> 32-byte secret
}

func NewKeyManager(signatures bool, maxAge time.Duration) *KeyManager {
	return &KeyManager{
		signatures: signatures,
		maxAge:     maxAge,
		keys:       make(map[string]*keyPair),
		active:     make(map[pairScope]string),
		peers:      make(map[pairScope]*peerKey),
		secrets:    make(map[secretScope][]byte),
	}
}

// GenerateKeyPair creates a fresh X25519 key pair (plus an Ed25519 signature
// pair when signatures are enabled) for the user in the room and makes it the
// user's active key. Returns public metadata only.
func (m *KeyManager) GenerateKeyPair(userID, roomID string, keyType KeyType) (*PublicKeyInfo, error) {
	if keyType != KeyTypeIdentity && keyType != KeyTypeEphemeral {
		return nil, fmt.Errorf("e2ee: invalid key type %q", keyType)
	}

	private, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 key pair: %w", err)
	}

	pair := &keyPair{
		id:        uuid.NewString(),
		userID:    userID,
		roomID:    roomID,
		keyType:   keyType,
		private:   private,
		public:    private.PublicKey(),
		createdAt: time.Now(),
		expiresAt: time.Now().Add(m.maxAge),
	}

	if m.signatures {
		sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate Ed25519 key pair: %w", err)
		}
		pair.sigPub = sigPub
		pair.sigPriv = sigPriv
	}

	m.mu.Lock()
	m.keys[pair.id] = pair
	m.active[pairScope{userID: userID, roomID: roomID}] = pair.id
	m.dropSecretsForLocked(userID, roomID)
	m.mu.Unlock()

	return pair.info(), nil
}

func (k *keyPair) info() *PublicKeyInfo {
	info := &PublicKeyInfo{
		KeyID:     k.id,
		UserID:    k.userID,
		RoomID:    k.roomID,
		Type:      k.keyType,
		PublicKey: k.public.Bytes(),
		CreatedAt: k.createdAt,
		ExpiresAt: k.expiresAt,
	}
	if k.sigPub != nil {
		info.SignaturePublicKey = append([]byte(nil), k.sigPub...)
	}
	return info
}

// RegisterPeerKey stores a peer's advertised public key material so secrets
// can be derived and the peer's envelope signatures verified. Re-registering
// (a rotation) invalidates previously derived secrets involving the peer.
func (m *KeyManager) RegisterPeerKey(roomID, peerID string, publicKey, signaturePublicKey []byte) error {
	public, err := x25519.NewPublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse peer public key: %w", err)
	}
	var sigPub ed25519.PublicKey
	if len(signaturePublicKey) > 0 {
		if len(signaturePublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid peer signature key size %d", len(signaturePublicKey))
		}
		sigPub = ed25519.PublicKey(append([]byte(nil), signaturePublicKey...))
	}

	m.mu.Lock()
	m.peers[pairScope{userID: peerID, roomID: roomID}] = &peerKey{
		public:  public,
		sigPub:  sigPub,
		addedAt: time.Now(),
	}
	m.dropSecretsForLocked(peerID, roomID)
	m.mu.Unlock()
	return nil
}

// DeriveSharedSecret performs X25519 ECDH between the local key and the
// peer's public key, then stretches the result through HKDF-SHA256 salted
// with the room and the sorted participant pair, so both directions land on
// the same 32-byte secret. The secret is cached under the canonical pair key.
func (m *KeyManager) DeriveSharedSecret(localKeyID string, peerPublicKey []byte, peerID string) ([]byte, error) {
	m.mu.Lock()
	pair, ok := m.keys[localKeyID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	if pair.expired(time.Now()) {
		return nil, ErrKeyExpired
	}

	peerPublic, err := x25519.NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}

	raw, err := pair.private.ECDH(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	secret, err := stretchSecret(raw, pair.roomID, pair.userID, peerID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.secrets[newSecretScope(pair.roomID, pair.userID, peerID)] = secret
	m.mu.Unlock()

	return append([]byte(nil), secret...), nil
}

// stretchSecret derives the canonical pair secret. The info string uses the
// sorted pair so both sides compute identical bytes.
func stretchSecret(raw []byte, roomID, a, b string) ([]byte, error) {
	if a > b {
		a, b = b, a
	}
	reader := hkdf.New(sha256.New, raw, []byte("peerhaven:"+roomID), []byte(a+"|"+b))
	secret := make([]byte, sharedSecretSize)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	return secret, nil
}

// sharedSecret returns the cached pair secret, deriving it lazily from the
// local active key and the peer's registered public key when missing.
func (m *KeyManager) sharedSecret(roomID, localID, peerID string) ([]byte, error) {
	m.mu.Lock()
	if secret, ok := m.secrets[newSecretScope(roomID, localID, peerID)]; ok {
		m.mu.Unlock()
		return secret, nil
	}
	keyID, ok := m.active[pairScope{userID: localID, roomID: roomID}]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoSharedSecret
	}
	peer, ok := m.peers[pairScope{userID: peerID, roomID: roomID}]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownPeer
	}

	return m.DeriveSharedSecret(keyID, peer.public.Bytes(), peerID)
}

// signatureKey returns the user's active signing key for the room.
func (m *KeyManager) signatureKey(roomID, userID string) (ed25519.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keyID, ok := m.active[pairScope{userID: userID, roomID: roomID}]
	if !ok {
		return nil, ErrKeyNotFound
	}
	pair := m.keys[keyID]
	if pair == nil || pair.sigPriv == nil {
		return nil, ErrKeyNotFound
	}
	return pair.sigPriv, nil
}

// peerSignatureKey returns the peer's advertised signature public key.
func (m *KeyManager) peerSignatureKey(roomID, peerID string) (ed25519.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.peers[pairScope{userID: peerID, roomID: roomID}]
	if !ok || peer.sigPub == nil {
		return nil, ErrUnknownPeer
	}
	return peer.sigPub, nil
}

// RotateKey generates a new ephemeral key pair for the user, implicitly
// invalidating previously derived secrets; they are recomputed lazily on
// next use.
func (m *KeyManager) RotateKey(userID, roomID string) (*PublicKeyInfo, error) {
	return m.GenerateKeyPair(userID, roomID, KeyTypeEphemeral)
}

// RevokeKey deletes the key's private material immediately.
func (m *KeyManager) RevokeKey(userID, roomID, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, ok := m.keys[keyID]
	if !ok || pair.userID != userID || pair.roomID != roomID {
		return ErrKeyNotFound
	}
	delete(m.keys, keyID)
	scope := pairScope{userID: userID, roomID: roomID}
	if m.active[scope] == keyID {
		delete(m.active, scope)
	}
	m.dropSecretsForLocked(userID, roomID)
	return nil
}

// CleanupUserKeys removes all of the user's key material and cached secrets
// for the room, along with their public advertisement.
func (m *KeyManager) CleanupUserKeys(userID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, pair := range m.keys {
		if pair.userID == userID && pair.roomID == roomID {
			delete(m.keys, id)
		}
	}
	scope := pairScope{userID: userID, roomID: roomID}
	delete(m.active, scope)
	delete(m.peers, scope)
	m.dropSecretsForLocked(userID, roomID)
}

// ExpireKeys drops keys past their TTL and returns how many were removed.
func (m *KeyManager) ExpireKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, pair := range m.keys {
		if pair.expired(now) {
			delete(m.keys, id)
			scope := pairScope{userID: pair.userID, roomID: pair.roomID}
			if m.active[scope] == id {
				delete(m.active, scope)
			}
			m.dropSecretsForLocked(pair.userID, pair.roomID)
			removed++
		}
	}
	return removed
}

// dropSecretsForLocked removes cached secrets involving the user in the room.
// Caller holds m.mu.
func (m *KeyManager) dropSecretsForLocked(userID, roomID string) {
	for scope := range m.secrets {
		if scope.roomID == roomID && (scope.lowID == userID || scope.highID == userID) {
			delete(m.secrets, scope)
		}
	}
}
