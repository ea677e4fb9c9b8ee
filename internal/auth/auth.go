// Package auth identifies callers of the custody API.
//
// Authentication model:
//   - Reads (GET escrow, split, activity) and idempotent funding checks need no auth
//   - Mutations carry an actor address and an EIP-191 signature over
//     "custody|METHOD|PATH|TIMESTAMP" made with that address's key
//   - Admin endpoints require the shared X-Admin-Secret
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Errors
var (
	ErrMissingCredentials = errors.New("actor address, signature and timestamp are required")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrSignatureMismatch  = errors.New("signature does not match actor address")
	ErrStaleTimestamp     = errors.New("timestamp outside accepted window")
)

// DefaultMaxSkew is how far a signed timestamp may drift from server time.
const DefaultMaxSkew = 5 * time.Minute

// Message builds the string an actor signs for one request.
func Message(method, path string, timestamp int64) string {
	return fmt.Sprintf("custody|%s|%s|%d", strings.ToUpper(method), path, timestamp)
}

// HashMessage applies the EIP-191 personal-message prefix and hashes.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress returns the lower-case address that produced a 65-byte
// hex signature (r || s || v) over message.
func RecoverAddress(message, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: bad hex: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	// Wallets emit v as 27/28; Ecrecover wants 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Verifier checks signed request headers.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a verifier. A non-positive skew uses DefaultMaxSkew.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{maxSkew: maxSkew, now: time.Now}
}

// Verify returns the lower-cased actor address when signature is a valid
// signature by address over the request line at timestamp.
func (v *Verifier) Verify(address, signature, timestamp, method, path string) (string, error) {
	if address == "" || signature == "" || timestamp == "" {
		return "", ErrMissingCredentials
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not unix seconds", ErrStaleTimestamp, timestamp)
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew > v.maxSkew || skew < -v.maxSkew {
		return "", ErrStaleTimestamp
	}
	recovered, err := RecoverAddress(Message(method, path, ts), signature)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(recovered, address) {
		return "", ErrSignatureMismatch
	}
	return recovered, nil
}
