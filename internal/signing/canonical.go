package signing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// Canonicalize returns the bytes that get signed for payload.
//
// The payload is first normalised through encoding/json (so struct tags and
// custom marshalers apply), decoded back into generic values with numbers
// kept verbatim, and re-encoded. encoding/json writes map keys in sorted
// order at every depth and leaves arrays untouched. HTML escaping is turned
// off so the output matches what JSON.stringify and json.dumps produce for
// the same sorted object.
func Canonicalize(payload interface{}) ([]byte, error) {
	raw, err := marshalNoEscape(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalise payload: %w", err)
	}

	out, err := marshalNoEscape(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical payload: %w", err)
	}
	return out, nil
}

func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sign canonicalizes payload and returns the base64 Ed25519 signature
func Sign(priv ed25519.PrivateKey, payload interface{}) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", &KeyFormatError{Kind: "private key", Want: ed25519.PrivateKeySize, Got: len(priv)}
	}
	msg, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return EncodeSignature(ed25519.Sign(priv, msg)), nil
}

// Verify reports whether signature is a valid signature of payload under pub.
// Malformed keys or signatures and payloads that cannot be canonicalized all
// yield false.
func Verify(pub ed25519.PublicKey, payload interface{}, signature string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := DecodeSignature(signature)
	if err != nil {
		return false
	}
	msg, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
