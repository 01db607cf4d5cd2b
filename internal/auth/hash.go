// Package auth verifies account credentials for both protocol servers and
// encodes new credentials for account management.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Supported credential schemes. Stored credentials are encoded as
// "scheme:rest" so the scheme can evolve per account.
const (
	HashBcrypt = "bcrypt"
	HashSHA256 = "sha256"
	// HashPlain retains the plaintext password. Required for APOP, which
	// needs the original secret to compute its digest.
	HashPlain = "plain"

	DefaultHash = HashBcrypt

	bcryptCost = 10
	sha256Salt = 32
)

type (
	funcHashCompute func(pass string) (string, error)
	funcHashVerify  func(pass, encoded string) error
)

var (
	hashCompute = map[string]funcHashCompute{
		HashBcrypt: computeBcrypt,
		HashSHA256: computeSHA256,
		HashPlain:  computePlain,
	}
	hashVerify = map[string]funcHashVerify{
		HashBcrypt: verifyBcrypt,
		HashSHA256: verifySHA256,
		HashPlain:  verifyPlain,
	}
)

// HashPassword encodes a password under the named scheme.
func HashPassword(scheme, pass string) (string, error) {
	compute, ok := hashCompute[scheme]
	if !ok {
		return "", fmt.Errorf("auth: unknown hash scheme %q", scheme)
	}
	encoded, err := compute(pass)
	if err != nil {
		return "", err
	}
	return scheme + ":" + encoded, nil
}

// VerifyPassword checks a password against a stored "scheme:rest" credential.
func VerifyPassword(pass, stored string) error {
	scheme, rest, ok := strings.Cut(stored, ":")
	if !ok {
		return fmt.Errorf("auth: malformed stored credential")
	}
	verify, vok := hashVerify[scheme]
	if !vok {
		return fmt.Errorf("auth: unknown hash scheme %q", scheme)
	}
	return verify(pass, rest)
}

// storedPlaintext returns the retained password for a plain-scheme
// credential, or false when the scheme does not keep one.
func storedPlaintext(stored string) (string, bool) {
	scheme, rest, ok := strings.Cut(stored, ":")
	if !ok || scheme != HashPlain {
		return "", false
	}
	pass, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return "", false
	}
	return string(pass), true
}

func computeBcrypt(pass string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyBcrypt(pass, encoded string) error {
	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(pass))
}

func computeSHA256(pass string) (string, error) {
	salt := make([]byte, sha256Salt)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("auth: failed to generate salt: %w", err)
	}

	hashInput := salt
	hashInput = append(hashInput, []byte(pass)...)
	sum := sha256.Sum256(hashInput)
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(sum[:]), nil
}

func verifySHA256(pass, encoded string) error {
	saltB64, hashB64, ok := strings.Cut(encoded, ":")
	if !ok {
		return fmt.Errorf("auth: malformed hash string, no salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("auth: malformed hash string: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return fmt.Errorf("auth: malformed hash string: %w", err)
	}

	hashInput := salt
	hashInput = append(hashInput, []byte(pass)...)
	sum := sha256.Sum256(hashInput)

	if subtle.ConstantTimeCompare(sum[:], hash) != 1 {
		return fmt.Errorf("auth: hash mismatch")
	}
	return nil
}

func computePlain(pass string) (string, error) {
	return base64.StdEncoding.EncodeToString([]byte(pass)), nil
}

func verifyPlain(pass, encoded string) error {
	stored, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("auth: malformed stored credential: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(pass), stored) != 1 {
		return fmt.Errorf("auth: password mismatch")
	}
	return nil
}
