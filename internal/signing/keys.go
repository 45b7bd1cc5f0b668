// Package signing implements the agent identity key lifecycle and the
// canonical-JSON signing protocol shared with the registry backend.
//
// Keys and signatures travel as standard base64. Payloads are canonicalized
// (object keys sorted at every depth, arrays in order) before signing, so two
// payloads carrying the same keys and values always yield the same signature
// regardless of how they were constructed.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrKeyFormat is matched by every *KeyFormatError via errors.Is
var ErrKeyFormat = errors.New("invalid key format")

// KeyFormatError reports key or signature material that does not decode to
// the expected fixed size.
type KeyFormatError struct {
	Kind string // "public key", "private key" or "signature"
	Want int
	Got  int
	Err  error
}

func (e *KeyFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("invalid %s: expected %d bytes, got %d", e.Kind, e.Want, e.Got)
}

func (e *KeyFormatError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrKeyFormat) hold for any KeyFormatError
func (e *KeyFormatError) Is(target error) bool { return target == ErrKeyFormat }

// KeyPair is an Ed25519 identity. PrivateKey uses the 64-byte expanded form,
// whose trailing 32 bytes are the public key.
type KeyPair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GenerateKeyPair creates a keypair from crypto/rand
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}
	return &KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// KeyPairFromPrivateKey rebuilds a keypair from an expanded private key. The
// key is copied; the caller keeps ownership of its slice.
func KeyPairFromPrivateKey(priv ed25519.PrivateKey) (*KeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, &KeyFormatError{Kind: "private key", Want: ed25519.PrivateKeySize, Got: len(priv)}
	}
	keyCopy := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(keyCopy, priv)

	// the suffix must be the public key derived from the seed
	derived := ed25519.NewKeyFromSeed(keyCopy.Seed())
	if !bytes.Equal(derived[32:], keyCopy[32:]) {
		return nil, &KeyFormatError{Kind: "private key", Err: errors.New("public key suffix does not match seed")}
	}

	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, keyCopy[32:])
	return &KeyPair{PrivateKey: keyCopy, PublicKey: pub}, nil
}

// PublicKeyBase64 returns the encoded public key
func (kp *KeyPair) PublicKeyBase64() string {
	return EncodePublicKey(kp.PublicKey)
}

// Sign signs payload with this keypair
func (kp *KeyPair) Sign(payload interface{}) (string, error) {
	return Sign(kp.PrivateKey, payload)
}

// Zero overwrites the private key in place
func (kp *KeyPair) Zero() {
	if kp == nil {
		return
	}
	for i := range kp.PrivateKey {
		kp.PrivateKey[i] = 0
	}
}

// String never includes private material
func (kp *KeyPair) String() string {
	if kp == nil {
		return "KeyPair(nil)"
	}
	return fmt.Sprintf("KeyPair(public=%s)", kp.PublicKeyBase64())
}

// GoString keeps %#v from dumping the private key
func (kp *KeyPair) GoString() string { return kp.String() }

// MarshalJSON exposes only the public half
func (kp *KeyPair) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"public_key":%q}`, kp.PublicKeyBase64())), nil
}

// EncodePublicKey encodes a public key as standard base64
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// EncodePrivateKey encodes an expanded private key as standard base64
func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv)
}

// EncodeSignature encodes a raw signature as standard base64
func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// DecodePublicKey decodes a base64 public key, rejecting anything that is not 32 bytes
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := decodeFixed("public key", s, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

// DecodePrivateKey decodes a base64 expanded private key, rejecting anything that is not 64 bytes
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := decodeFixed("private key", s, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(b), nil
}

// DecodeSignature decodes a base64 signature, rejecting anything that is not 64 bytes
func DecodeSignature(s string) ([]byte, error) {
	return decodeFixed("signature", s, ed25519.SignatureSize)
}

func decodeFixed(kind, s string, size int) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &KeyFormatError{Kind: kind, Want: size, Err: err}
	}
	if len(b) != size {
		return nil, &KeyFormatError{Kind: kind, Want: size, Got: len(b)}
	}
	return b, nil
}
