// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package security

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = Key{0x12, 0x34, 0x56, 0x78}

func sealCopy(t *testing.T, c Cipher, plain []byte, nonce Nonce) []byte {
	t.Helper()
	buf := make([]byte, len(plain)+c.Overhead())
	copy(buf, plain)
	n, err := c.Seal(buf, len(plain), nonce)
	require.NoError(t, err)
	return buf[:n]
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("0x12345678")
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	k, err = ParseKey("deadBEEF")
	require.NoError(t, err)
	assert.Equal(t, Key{0xDE, 0xAD, 0xBE, 0xEF}, k)

	_, err = ParseKey("123")
	assert.Error(t, err)
	_, err = ParseKey("zz345678")
	assert.Error(t, err)
}

func TestKeyNeverFormatted(t *testing.T) {
	for _, s := range []string{
		fmt.Sprintf("%v", testKey),
		fmt.Sprintf("%s", testKey),
		fmt.Sprintf("%#v", testKey),
		fmt.Sprintf("%+v", struct{ K Key }{testKey}),
	} {
		assert.NotContains(t, s, "12")
		assert.NotContains(t, s, "78")
		assert.Contains(t, s, "****")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := NewKeyed(testKey)
	nonce := Nonce{Source: 0x04, Destination: 0x01, Sequence: 77}

	for _, size := range []int{0, 1, 3, 4, 5, 16, 53} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			plain := make([]byte, size)
			for i := range plain {
				plain[i] = byte(i*7 + 3)
			}
			sealed := sealCopy(t, c, plain, nonce)
			require.Len(t, sealed, size+TagSize)
			if size >= 4 {
				assert.NotEqual(t, plain, sealed[:size], "payload must not travel in the clear")
			}

			n, err := c.Open(sealed, nonce)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plain, sealed[:n]))
		})
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	c := NewKeyed(testKey)
	nonce := Nonce{Source: 0x04, Destination: 0x01, Sequence: 9}
	plain := []byte{0x10, 0x20, 0x30, 0x40, 0x50}

	for i := 0; i < len(plain)+TagSize; i++ {
		sealed := sealCopy(t, c, plain, nonce)
		sealed[i] ^= 0x01
		_, err := c.Open(sealed, nonce)
		assert.ErrorIs(t, err, ErrSecurityViolation, "flipped byte %d", i)
	}
}

func TestOpenLeavesBufferOnFailure(t *testing.T) {
	c := NewKeyed(testKey)
	nonce := Nonce{Source: 1, Destination: 2, Sequence: 3}
	sealed := sealCopy(t, c, []byte("valve"), nonce)
	sealed[len(sealed)-1] ^= 0xFF
	before := append([]byte(nil), sealed...)

	_, err := c.Open(sealed, nonce)
	require.Error(t, err)
	assert.Equal(t, before, sealed)
}

func TestOpenWrongKeyOrNonce(t *testing.T) {
	nonce := Nonce{Source: 4, Destination: 1, Sequence: 100}
	sealed := sealCopy(t, NewKeyed(testKey), []byte("setpoint"), nonce)

	other := append([]byte(nil), sealed...)
	_, err := NewKeyed(Key{0x12, 0x34, 0x56, 0x79}).Open(other, nonce)
	assert.ErrorIs(t, err, ErrSecurityViolation)

	replayed := append([]byte(nil), sealed...)
	_, err = NewKeyed(testKey).Open(replayed, Nonce{Source: 4, Destination: 1, Sequence: 101})
	assert.ErrorIs(t, err, ErrSecurityViolation)
}

func TestSealBufferTooSmall(t *testing.T) {
	c := NewKeyed(testKey)
	buf := make([]byte, 4)
	_, err := c.Seal(buf, 3, Nonce{})
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, err = c.Seal(buf, 5, Nonce{})
	assert.Error(t, err)
}

func TestOpenShortInput(t *testing.T) {
	_, err := NewKeyed(testKey).Open([]byte{0x01}, Nonce{})
	assert.ErrorIs(t, err, ErrSecurityViolation)
}

func TestDefault(t *testing.T) {
	assert.Nil(t, Default(Key{}))
	if !Enabled {
		assert.Nil(t, Default(testKey))
		return
	}
	c := Default(testKey)
	require.NotNil(t, c)
	assert.Equal(t, TagSize, c.Overhead())
}
