// Package idgen mints the prefixed random identifiers of custody records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Kind is the record type encoded in an ID prefix.
type Kind string

const (
	Escrow    Kind = "esc"
	Milestone Kind = "ms"
	Split     Kind = "spl"
	Recipient Kind = "rcp"
	Retry     Kind = "rtx"
)

const randomBytes = 12

// New returns "<kind>_" followed by 24 random hex characters.
func New(kind Kind) string {
	return string(kind) + "_" + Hex(randomBytes)
}

// Is reports whether id has the shape New produces for kind.
func Is(kind Kind, id string) bool {
	rest, ok := strings.CutPrefix(id, string(kind)+"_")
	if !ok || len(rest) != 2*randomBytes {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// Hex returns numBytes of crypto/rand output, hex encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
