package e2ee

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrWrongRecipient     = errors.New("e2ee: envelope not addressed to recipient")
	ErrWrongSender        = errors.New("e2ee: envelope sender does not match connection")
	ErrIncompleteEnvelope = errors.New("e2ee: incomplete envelope")
	ErrInvalidSignature   = errors.New("e2ee: invalid envelope signature")
	ErrDecryptFailed      = errors.New("e2ee: decryption failed")
)

// Envelope is one encrypted message between a pair of room participants.
// Field order is part of the signature contract: the signable form is this
// struct with Signature cleared, marshalled with encoding/json, which emits
// fields in declaration order.
type Envelope struct {
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	RoomID     string `json:"room_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature,omitempty"`
}

func (e Envelope) signableBytes() ([]byte, error) {
	e.Signature = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal signable envelope: %w", err)
	}
	return raw, nil
}

// Messenger encrypts and decrypts envelopes using the pair secrets owned by
// the key manager, with replay protection from the nonce guard.
type Messenger struct {
	keys       *KeyManager
	nonces     *NonceGuard
	signatures bool
}

func NewMessenger(keys *KeyManager, nonces *NonceGuard, signatures bool) *Messenger {
	return &Messenger{keys: keys, nonces: nonces, signatures: signatures}
}

// Encrypt seals plaintext for the recipient with AES-256-GCM under the
// pair's shared secret, using a fresh random 96-bit nonce, and signs the
// canonical envelope when signatures are enabled.
func (m *Messenger) Encrypt(plaintext []byte, senderID, recipientID, roomID string) (*Envelope, error) {
	secret, err := m.keys.sharedSecret(roomID, senderID, recipientID)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	envelope := &Envelope{
		Sender:     senderID,
		Recipient:  recipientID,
		RoomID:     roomID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Timestamp:  time.Now().UnixMilli(),
	}

	if m.signatures {
		sigKey, err := m.keys.signatureKey(roomID, senderID)
		if err != nil {
			return nil, err
		}
		signable, err := envelope.signableBytes()
		if err != nil {
			return nil, err
		}
		envelope.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(sigKey, signable))
	}

	return envelope, nil
}

// Decrypt verifies and opens an envelope for the recipient. Verification is
// fail-closed: addressing, signature, and replay checks all run before the
// AEAD open, and the nonce is recorded as used only after a successful
// decryption so a corrupted or mis-addressed message never poisons a
// legitimate later delivery.
func (m *Messenger) Decrypt(ctx context.Context, envelope *Envelope, recipientID string) ([]byte, error) {
	if envelope.Recipient != recipientID {
		return nil, ErrWrongRecipient
	}

	if envelope.Signature != "" {
		if err := m.verifySignature(envelope); err != nil {
			return nil, err
		}
	} else if m.signatures {
		return nil, ErrInvalidSignature
	}

	seen, err := m.nonces.Seen(ctx, envelope.RoomID, envelope.Sender, envelope.Nonce)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrNonceReplayed
	}

	secret, err := m.keys.sharedSecret(envelope.RoomID, recipientID, envelope.Sender)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(envelope.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	if err := m.nonces.Record(ctx, envelope.RoomID, envelope.Sender, envelope.Nonce); err != nil {
		return nil, err
	}

	return plaintext, nil
}

// ValidateRelay checks the parts of an envelope a relay can see without any
// key material: the sender must match the authenticated connection, the
// envelope must be fully addressed, and a signature must be present when the
// deployment requires them. Ciphertext stays opaque.
func (m *Messenger) ValidateRelay(envelope *Envelope, senderID string) error {
	if envelope.Sender != senderID {
		return ErrWrongSender
	}
	if envelope.Recipient == "" || envelope.Nonce == "" || envelope.Ciphertext == "" {
		return ErrIncompleteEnvelope
	}
	if m.signatures && envelope.Signature == "" {
		return ErrInvalidSignature
	}
	return nil
}

func (m *Messenger) verifySignature(envelope *Envelope) error {
	sigPub, err := m.keys.peerSignatureKey(envelope.RoomID, envelope.Sender)
	if err != nil {
		return ErrInvalidSignature
	}
	signature, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	signable, err := envelope.signableBytes()
	if err != nil {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(sigPub, signable, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func newAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) != sharedSecretSize {
		return nil, fmt.Errorf("invalid shared secret length: got %d want %d", len(secret), sharedSecretSize)
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
