package utils

import (
	"crypto/rand"

	"github.com/jxskiss/base62"
)

const (
	RoomPrefix   = "R-"
	ClientPrefix = "C-"
	CallPrefix   = "CA-"
	NodePrefix   = "ND-"

	guidBytes   = 9
	secretBytes = 32
)

// NewGuid returns a prefixed random identifier, base62 so it stays safe
// in URLs and log fields.
func NewGuid(prefix string) string {
	b := make([]byte, guidBytes)
	if _, err := rand.Read(b); err != nil {
		// rand.Read only fails when the OS entropy source is broken
		panic(err)
	}
	return prefix + string(base62.Encode(b))
}

// RandomSecret returns a 256 bit secret in the same base62 alphabet.
func RandomSecret() string {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return string(base62.Encode(b))
}
