// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package security seals radio payloads with a short pre-shared key.
//
// The transform is sized for the 4-byte network key the valves are
// provisioned with: a xorshift32 keystream seeded from the key and the
// frame's (source, destination, sequence) nonce, followed by a 16-bit keyed
// CRC tag. It keeps casual listeners and naive spoofing off a shared band.
// It is obfuscation, not cryptography: 32 bits of key and a 16-bit tag can
// be brute forced offline, so nothing here provides real confidentiality or
// strong authentication.
package security

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/sigurn/crc16"
)

// Key and tag sizes
const (
	KeySize = 4
	TagSize = 2
)

var (
	// ErrSecurityViolation reports a sealed payload whose tag does not verify,
	// or a frame whose sealing does not match the local configuration.
	ErrSecurityViolation = errors.New("security violation")

	// ErrBufferTooSmall is returned when the seal window cannot hold the tag.
	ErrBufferTooSmall = errors.New("seal buffer too small")
)

// Key is the pre-shared network secret. It never prints its bytes.
type Key [KeySize]byte

// ParseKey parses an 8 hex digit key, with or without a 0x prefix.
func ParseKey(s string) (Key, error) {
	var k Key
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != KeySize*2 {
		return k, fmt.Errorf("key must be %d hex digits, got %d", KeySize*2, len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("invalid key: %w", err)
	}
	return k, nil
}

// IsZero reports whether no key has been provisioned.
func (k Key) IsZero() bool {
	return k == Key{}
}

// String hides the key material.
func (k Key) String() string {
	return "****"
}

// GoString hides the key material from %#v.
func (k Key) GoString() string {
	return "security.Key{****}"
}

// Nonce binds a sealed payload to the frame that carries it.
type Nonce struct {
	Source      uint8
	Destination uint8
	Sequence    uint16
}

func (n Nonce) word() uint32 {
	return uint32(n.Source)<<24 | uint32(n.Destination)<<16 | uint32(n.Sequence)
}

// Cipher seals and opens payloads in place.
//
// Seal transforms buf[:n] and appends the tag, returning the sealed length.
// Open verifies and restores buf, returning the plaintext length. Neither
// allocates.
type Cipher interface {
	Overhead() int
	Seal(buf []byte, n int, nonce Nonce) (int, error)
	Open(buf []byte, nonce Nonce) (int, error)
}

// Default returns the cipher for a provisioned key, or nil when the
// security layer is compiled out or no key is set.
func Default(key Key) Cipher {
	if !Enabled || key.IsZero() {
		return nil
	}
	return NewKeyed(key)
}

var tagTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Keyed is the lightweight keystream + tag cipher.
type Keyed struct {
	key Key
}

// NewKeyed creates a cipher for the given key.
func NewKeyed(key Key) *Keyed {
	return &Keyed{key: key}
}

// Overhead returns the number of bytes Seal adds.
func (c *Keyed) Overhead() int {
	return TagSize
}

// Seal obfuscates buf[:n] in place and writes the tag at buf[n:n+TagSize].
func (c *Keyed) Seal(buf []byte, n int, nonce Nonce) (int, error) {
	if n < 0 || n > len(buf) {
		return 0, fmt.Errorf("seal length %d outside buffer of %d", n, len(buf))
	}
	if n+TagSize > len(buf) {
		return 0, ErrBufferTooSmall
	}
	tag := c.tag(buf[:n], nonce)
	c.apply(buf[:n], nonce)
	binary.BigEndian.PutUint16(buf[n:], tag)
	return n + TagSize, nil
}

// Open restores buf in place and verifies the trailing tag.
// On failure buf is left as received.
func (c *Keyed) Open(buf []byte, nonce Nonce) (int, error) {
	if len(buf) < TagSize {
		return 0, fmt.Errorf("%w: sealed payload shorter than tag", ErrSecurityViolation)
	}
	n := len(buf) - TagSize
	want := binary.BigEndian.Uint16(buf[n:])
	c.apply(buf[:n], nonce)
	if got := c.tag(buf[:n], nonce); got != want {
		c.apply(buf[:n], nonce)
		return 0, fmt.Errorf("%w: tag mismatch", ErrSecurityViolation)
	}
	return n, nil
}

// apply XORs data with the keystream; it is its own inverse.
func (c *Keyed) apply(data []byte, nonce Nonce) {
	state := binary.BigEndian.Uint32(c.key[:]) ^ nonce.word() ^ 0x9E3779B9
	if state == 0 {
		state = 1
	}
	for i := 0; i < len(data); i += 4 {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		for j := 0; j < 4 && i+j < len(data); j++ {
			data[i+j] ^= byte(state >> (24 - 8*j))
		}
	}
}

func (c *Keyed) tag(plain []byte, nonce Nonce) uint16 {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], nonce.word())
	crc := crc16.Init(tagTable)
	crc = crc16.Update(crc, c.key[:], tagTable)
	crc = crc16.Update(crc, hdr[:], tagTable)
	crc = crc16.Update(crc, plain, tagTable)
	return crc16.Complete(crc, tagTable)
}
