/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package kdc

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base64 of "sealed channel key for test"
const sealed = "c2VhbGVkIGNoYW5uZWwga2V5IGZvciB0ZXN0"

func TestParseKeyPayload(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		sender  string
		corrupt bool
	}{
		{"bare base64", sealed, "", false},
		{"bare url base64", "-_8gc2VhbGVkIGtleSBmb3IgYSB0ZXN0", "", false},
		{"envelope", `{"encrypted":"` + sealed + `","sender_id":"alice"}`, "alice", false},
		{"camel case sender", `{"encrypted":"` + sealed + `","senderId":"alice"}`, "alice", false},
		{"numeric sender", `{"encrypted":"` + sealed + `","senderId":42}`, "42", false},
		{"both spellings agree", `{"encrypted":"` + sealed + `","sender_id":"7","senderId":7}`, "7", false},
		{"null sender", `{"encrypted":"` + sealed + `","sender_id":null}`, "", false},
		{"padded", "  " + sealed + "\n", "", false},
		{"empty", "", "", true},
		{"blank", "   ", "", true},
		{"not base64", "!!!", "", true},
		{"plaintext word", "plaintextkey", "", true},
		{"short ciphertext", "cGxhaW50ZXh0a2V5", "", true},
		{"non canonical padding", "QUJ=", "", true},
		{"broken json", `{"encrypted":`, "", true},
		{"plaintext object", `{"encrypted":{"kty":"oct","k":"secret"}}`, "", true},
		{"no ciphertext", `{"sender_id":"alice"}`, "", true},
		{"empty ciphertext", `{"encrypted":"  "}`, "", true},
		{"plaintext ciphertext", `{"encrypted":"plaintextkey","sender_id":"alice"}`, "", true},
		{"two senders", `{"encrypted":"` + sealed + `","sender_id":"alice","senderId":"bob"}`, "", true},
		{"fractional sender", `{"encrypted":"` + sealed + `","senderId":1.5}`, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := ParseKeyPayload(tc.payload)
			if tc.corrupt {
				assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
				assert.Nil(t, env)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.sender, env.SenderID)
			assert.NotEmpty(t, env.Encrypted)
		})
	}
}

func TestValidatePublicKey(t *testing.T) {
	assert := assert.New(t)
	assert.NoError(ValidatePublicKey("QUJD"))
	assert.NoError(ValidatePublicKey("-----BEGIN PUBLIC KEY-----\nQUJD\n-----END PUBLIC KEY-----"))
	assert.Equal(KindInvalid, KindOf(ValidatePublicKey("")))
	assert.Equal(KindInvalid, KindOf(ValidatePublicKey("not a key")))
	assert.Equal(KindInvalid, KindOf(ValidatePublicKey("QUJ=")))
}

func TestFingerprint(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("", Fingerprint(nil))
	fp := Fingerprint([]byte("key material"))
	assert.Len(fp, 16)
	assert.Equal(fp, Fingerprint([]byte("key material")))
	assert.NotEqual(fp, Fingerprint([]byte("other material")))

	key, err := RandomKeyGenerator{}.GenerateKey(32)
	require.NoError(t, err)
	assert.Len(key, 32)
	_, err = RandomKeyGenerator{}.GenerateKey(0)
	assert.Equal(KindInvalid, KindOf(err))
}

func TestErrorKinds(t *testing.T) {
	assert := assert.New(t)

	err := forbiddenf("user %s is not a member", "mallory")
	assert.Equal(KindForbidden, KindOf(err))
	assert.Equal(http.StatusForbidden, HTTPStatus(err))
	assert.True(errors.Is(err, ErrForbidden))
	assert.False(errors.Is(err, ErrNotFound))
	assert.Equal("user mallory is not a member", err.Error())

	wrapped := fmt.Errorf("share failed: %w", corruptf("bad payload"))
	assert.Equal(KindCorrupt, KindOf(wrapped))
	assert.Equal(http.StatusUnprocessableEntity, HTTPStatus(wrapped))
	assert.True(errors.Is(wrapped, ErrCorrupt))

	plain := errors.New("disk on fire")
	assert.Equal(KindInternal, KindOf(plain))
	assert.Equal(http.StatusInternalServerError, HTTPStatus(plain))

	assert.Equal(http.StatusNotFound, HTTPStatus(notFoundf("x")))
	assert.Equal(http.StatusConflict, HTTPStatus(conflictf("x")))
	assert.Equal(http.StatusBadRequest, HTTPStatus(invalidf("x")))
}
