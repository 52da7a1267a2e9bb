/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Validation of encrypted key payloads and public keys
 */

package kdc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// KeyEnvelope is the parsed form of an encrypted key payload. Clients send either
// a bare base64 ciphertext or a JSON envelope carrying the ciphertext and the
// sender's identity.
type KeyEnvelope struct {
	Encrypted       string
	SenderID        string // empty for bare payloads
	SenderPublicKey string
}

type rawEnvelope struct {
	Encrypted       json.RawMessage `json:"encrypted"`
	SenderID        json.RawMessage `json:"sender_id"`
	SenderIDCamel   json.RawMessage `json:"senderId"`
	SenderPublicKey string          `json:"senderPublicKey"`
}

// MinCiphertextLen is the shortest decoded ciphertext accepted as a wrapped key.
// A wrapped key carries at least an authentication tag, so anything shorter is a
// plaintext word that happens to be valid base64.
const MinCiphertextLen = 16

// ParseKeyPayload validates an encrypted key payload. Anything that is neither a
// well-formed envelope nor a base64 ciphertext is Corrupt; the KDC never guesses.
func ParseKeyPayload(payload string) (*KeyEnvelope, error) {
	p := strings.TrimSpace(payload)
	if p == "" {
		return nil, corruptf("empty key payload")
	}

	if !strings.HasPrefix(p, "{") {
		if err := checkCiphertext(p); err != nil {
			return nil, corruptf("key payload is neither a JSON envelope nor a ciphertext: %v", err)
		}
		return &KeyEnvelope{Encrypted: p}, nil
	}

	var raw rawEnvelope
	dec := json.NewDecoder(bytes.NewReader([]byte(p)))
	if err := dec.Decode(&raw); err != nil {
		return nil, corruptf("unparseable key envelope: %v", err)
	}

	var encrypted string
	if len(raw.Encrypted) == 0 || json.Unmarshal(raw.Encrypted, &encrypted) != nil {
		// an object here would be a plaintext key that was never encrypted
		return nil, corruptf("key envelope has no encrypted ciphertext")
	}
	if strings.TrimSpace(encrypted) == "" {
		return nil, corruptf("key envelope has an empty ciphertext")
	}
	if err := checkCiphertext(strings.TrimSpace(encrypted)); err != nil {
		return nil, corruptf("key envelope ciphertext: %v", err)
	}

	env := &KeyEnvelope{
		Encrypted:       encrypted,
		SenderPublicKey: raw.SenderPublicKey,
	}
	for _, r := range []json.RawMessage{raw.SenderID, raw.SenderIDCamel} {
		if len(r) == 0 || string(r) == "null" {
			continue
		}
		id, err := jsonID(r)
		if err != nil {
			return nil, corruptf("key envelope has a malformed sender id: %v", err)
		}
		if env.SenderID != "" && env.SenderID != id {
			return nil, corruptf("key envelope names two different senders (%s, %s)", env.SenderID, id)
		}
		env.SenderID = id
	}
	return env, nil
}

// jsonID accepts both "42" and 42
func jsonID(r json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(r, &n); err != nil {
		return "", err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", err
	}
	return n.String(), nil
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding.Strict(),
	base64.RawStdEncoding.Strict(),
	base64.URLEncoding.Strict(),
	base64.RawURLEncoding.Strict(),
}

// decodeBase64 accepts the standard and URL alphabets, padded or not, and
// refuses non-canonical encodings
func decodeBase64(s string) ([]byte, bool) {
	for _, enc := range base64Encodings {
		if b, err := enc.DecodeString(s); err == nil {
			return b, true
		}
	}
	return nil, false
}

func checkCiphertext(s string) error {
	b, ok := decodeBase64(s)
	if !ok {
		return fmt.Errorf("not base64")
	}
	if len(b) < MinCiphertextLen {
		return fmt.Errorf("%d bytes is too short for a wrapped key", len(b))
	}
	return nil
}

// ValidatePublicKey requires a non-empty base64 blob (or a PEM block)
func ValidatePublicKey(pk string) error {
	pk = strings.TrimSpace(pk)
	if pk == "" {
		return invalidf("public key is empty")
	}
	if strings.HasPrefix(pk, "-----BEGIN ") {
		return nil
	}
	if _, ok := decodeBase64(pk); !ok {
		return invalidf("public key is not valid base64")
	}
	return nil
}
