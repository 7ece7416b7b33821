// Package id generates opaque identifiers for durable records.
package id

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lowercase base32 identifier.
//
// The underlying bytes are a random UUIDv4, so identifiers stay compatible
// with tooling that expects UUID semantics while remaining URL and
// cookie safe without escaping.
func NewID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	raw[6] = (raw[6] & 0x0F) | 0x40
	raw[8] = (raw[8] & 0x3F) | 0x80
	return strings.ToLower(encoding.EncodeToString(raw[:])), nil
}
