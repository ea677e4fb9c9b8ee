// Package keystore holds custody wallet private keys encrypted with age.
//
// A custody key is generated once, encrypted to the service's age recipients
// and stored as base64 ciphertext next to the escrow or split that owns the
// wallet. It is decrypted only for the duration of one transfer.
package keystore

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoIdentity   = errors.New("keystore: no age identity configured")
	ErrDecrypt      = errors.New("keystore: cannot decrypt custody key")
	ErrMalformedKey = errors.New("keystore: decrypted custody key is malformed")
)

// Decryptor turns stored ciphertext into a signing key.
type Decryptor interface {
	Decrypt(ciphertext string) (*SigningKey, error)
}

// SigningKey is a decrypted custody key. Call Destroy as soon as the
// transfer has been signed.
type SigningKey struct {
	key     *ecdsa.PrivateKey
	address string
}

// PrivateKey returns the key for signing. Nil after Destroy.
func (k *SigningKey) PrivateKey() *ecdsa.PrivateKey {
	return k.key
}

// Address is the lower-cased hex address controlled by the key.
func (k *SigningKey) Address() string {
	return k.address
}

// Destroy zeroes the private scalar in place. Idempotent.
func (k *SigningKey) Destroy() {
	if k == nil || k.key == nil {
		return
	}
	if k.key.D != nil {
		words := k.key.D.Bits()
		for i := range words {
			words[i] = 0
		}
		k.key.D.SetInt64(0)
	}
	k.key = nil
}

// String never reveals key material.
func (k *SigningKey) String() string {
	return "SigningKey(" + k.address + ")"
}

// CustodyWallet is a freshly generated wallet. Address and EncryptedKey are
// always set together.
type CustodyWallet struct {
	Address      string
	EncryptedKey string
}

// AgeKeystore encrypts custody keys to a set of age recipients and
// decrypts them with one identity.
type AgeKeystore struct {
	identity   *age.X25519Identity
	recipients []age.Recipient
}

var _ Decryptor = (*AgeKeystore)(nil)

// New parses an AGE-SECRET-KEY-1... identity and optional extra age1...
// recipients. The identity's own recipient is always included so the
// service can decrypt what it encrypts. An empty identity yields a
// keystore that can encrypt to the extra recipients but not decrypt.
func New(identity string, extraRecipients []string) (*AgeKeystore, error) {
	ks := &AgeKeystore{}
	if identity = strings.TrimSpace(identity); identity != "" {
		id, err := age.ParseX25519Identity(identity)
		if err != nil {
			return nil, fmt.Errorf("keystore: parsing identity: %w", err)
		}
		ks.identity = id
		ks.recipients = append(ks.recipients, id.Recipient())
	}
	for _, r := range extraRecipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		rec, err := age.ParseX25519Recipient(r)
		if err != nil {
			return nil, fmt.Errorf("keystore: parsing recipient %q: %w", r, err)
		}
		ks.recipients = append(ks.recipients, rec)
	}
	if len(ks.recipients) == 0 {
		return nil, ErrNoIdentity
	}
	return ks, nil
}

// GenerateIdentity returns a new age identity and its public recipient.
func GenerateIdentity() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("keystore: generating identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// NewCustodyWallet generates a secp256k1 key and returns its address with
// the key encrypted to every configured recipient.
func (k *AgeKeystore) NewCustodyWallet() (*CustodyWallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("keystore: generating custody key: %w", err)
	}
	signing := &SigningKey{key: key, address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}
	defer signing.Destroy()

	raw := crypto.FromECDSA(key)
	plaintext := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(plaintext, raw)
	zero(raw)
	defer zero(plaintext)

	ciphertext, err := k.encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return &CustodyWallet{Address: signing.address, EncryptedKey: ciphertext}, nil
}

// Decrypt opens base64 age ciphertext holding a hex private key.
func (k *AgeKeystore) Decrypt(ciphertext string) (*SigningKey, error) {
	if k.identity == nil {
		return nil, ErrNoIdentity
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding base64: %v", ErrDecrypt, err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), k.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading plaintext: %v", ErrDecrypt, err)
	}
	defer zero(plaintext)

	keyBytes := make([]byte, hex.DecodedLen(len(bytes.TrimSpace(plaintext))))
	defer zero(keyBytes)
	if _, err := hex.Decode(keyBytes, bytes.TrimSpace(plaintext)); err != nil {
		return nil, ErrMalformedKey
	}
	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, ErrMalformedKey
	}
	return &SigningKey{key: key, address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}, nil
}

func (k *AgeKeystore) encrypt(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, k.recipients...)
	if err != nil {
		return "", fmt.Errorf("keystore: creating encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("keystore: writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("keystore: finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
