/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Master key generation and fingerprints
 */

package kdc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// KeyGenerator produces master key material. The KDC never interprets the bytes.
type KeyGenerator interface {
	GenerateKey(size int) ([]byte, error)
}

// RandomKeyGenerator draws key material from crypto/rand
type RandomKeyGenerator struct{}

func (RandomKeyGenerator) GenerateKey(size int) ([]byte, error) {
	if size <= 0 {
		return nil, invalidf("invalid key size %d", size)
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %v", err)
	}
	return key, nil
}

// Fingerprint is a short, stable identifier for key material that is safe to show
// to operators. Returns "" for empty input.
func Fingerprint(material []byte) string {
	if len(material) == 0 {
		return ""
	}
	sum := blake2b.Sum256(material)
	return hex.EncodeToString(sum[:8])
}
