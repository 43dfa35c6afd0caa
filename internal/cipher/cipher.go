// Package cipher encrypts and decrypts message bodies with a per-conversation
// AES-256-GCM key derived from the exchanged root key.
package cipher

import (
	"context"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mfigueira/whisper/internal/keys"

	"golang.org/x/crypto/hkdf"
)

const (
	// hkdfInfo binds derived message keys to this wire format version.
	hkdfInfo = "whisper.msg.v1"

	// msgKeyLen is the derived AES key length (AES-256).
	msgKeyLen = 32

	// ivLen is the GCM nonce length. The IV travels next to the ciphertext
	// in the envelope, not prepended to it.
	ivLen = 12
)

// PlaceholderUndecryptable is the body substituted for a message whose
// ciphertext cannot be decrypted. It renders as an explicit error entry
// instead of blocking or crashing anything.
const PlaceholderUndecryptable = "undecryptable"

// DecryptionError reports a failed decryption. Not retried automatically.
type DecryptionError struct {
	ConversationID string
	Err            error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt in %s: %v", e.ConversationID, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// EncryptionError reports a failed encryption. The send fails fast unless
// the plaintext fallback policy is enabled.
type EncryptionError struct {
	ConversationID string
	Err            error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encrypt in %s: %v", e.ConversationID, e.Err)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// Cipher is stateless given a key ring: both operations resolve the
// conversation key, derive the message key and run AES-GCM.
type Cipher struct {
	ring *keys.Ring
}

// New creates a cipher over the given key ring.
func New(ring *keys.Ring) *Cipher {
	return &Cipher{ring: ring}
}

// Encrypt seals plaintext for a conversation. Returns ciphertext and a fresh
// random IV. Key-exchange failures pass through as *keys.ExchangeError so
// callers can defer rather than fail the send.
func (c *Cipher) Encrypt(ctx context.Context, conversationID string, plaintext []byte) (ciphertext, iv []byte, err error) {
	gcm, err := c.gcmFor(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, &EncryptionError{ConversationID: conversationID, Err: fmt.Errorf("generating IV: %w", err)}
	}

	return gcm.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext with the given IV. Failures are reported as
// *DecryptionError and must never propagate as a crash; the reconciler
// substitutes PlaceholderUndecryptable.
func (c *Cipher) Decrypt(ctx context.Context, conversationID string, ciphertext, iv []byte) ([]byte, error) {
	gcm, err := c.gcmFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if len(iv) != ivLen {
		return nil, &DecryptionError{ConversationID: conversationID, Err: fmt.Errorf("bad IV length %d", len(iv))}
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{ConversationID: conversationID, Err: err}
	}
	return plaintext, nil
}

// DropKey forgets the conversation's cached key so the next operation
// re-runs the key exchange. Used by manual decryption retry.
func (c *Cipher) DropKey(conversationID string) {
	c.ring.Drop(conversationID)
}

func (c *Cipher) gcmFor(ctx context.Context, conversationID string) (gocipher.AEAD, error) {
	handle, err := c.ring.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	key, err := deriveKey(handle.Root(), conversationID)
	if err != nil {
		return nil, &EncryptionError{ConversationID: conversationID, Err: err}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		zeroKey(key)
		return nil, &EncryptionError{ConversationID: conversationID, Err: fmt.Errorf("creating AES cipher: %w", err)}
	}
	gcm, err := gocipher.NewGCM(block)
	zeroKey(key)
	if err != nil {
		return nil, &EncryptionError{ConversationID: conversationID, Err: fmt.Errorf("creating GCM: %w", err)}
	}
	return gcm, nil
}

// deriveKey derives the AES-256 message key for a conversation via
// HKDF-SHA256(root, salt=conversationID, info=hkdfInfo).
func deriveKey(root []byte, conversationID string) ([]byte, error) {
	r := hkdf.New(sha256.New, root, []byte(conversationID), []byte(hkdfInfo))

	key := make([]byte, msgKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving message key: %w", err)
	}
	return key, nil
}

// zeroKey overwrites derived key material once the cipher object holds its
// own copy.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
