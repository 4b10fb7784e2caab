// Package auth implements the Authenticator of spec §4.6: API keys are
// stored as SHA-256 digests, looked up via a KeyDirectory, and
// compared in constant time so a timing side channel never leaks which
// prefix of a candidate key matched.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrKeyNotFound is returned by a KeyDirectory when no principal maps to
// the given key digest.
var ErrKeyNotFound = errors.New("auth: key not found")

// Principal is the resolved identity behind a validated API key.
type Principal struct {
	ID   string
	Name string
}

// KeyDirectory resolves a credential digest to a Principal. Concrete
// directories (PostgresKeyDirectory, Cached) settle the match with
// crypto/subtle.ConstantTimeCompare against every stored candidate digest
// sharing the lookup key, rather than trusting their storage engine's own
// equality check, so a timing side channel never leaks which prefix of a
// candidate key matched.
type KeyDirectory interface {
	Lookup(ctx context.Context, digest string) (Principal, error)
}

// Authenticator validates bearer credentials against a KeyDirectory.
type Authenticator struct {
	directory KeyDirectory
}

// New builds an Authenticator over directory.
func New(directory KeyDirectory) *Authenticator {
	return &Authenticator{directory: directory}
}

// Digest returns the hex SHA-256 digest of an API key, the form stored
// and looked up by a KeyDirectory. Callers never store or compare raw keys.
func Digest(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a bearer API key to its Principal. It always
// computes the digest and performs the directory lookup even for an
// empty key, so early-return timing does not distinguish "no key" from
// "wrong key" from "key exists but directory is slow".
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (Principal, error) {
	digest := Digest(apiKey)
	return a.directory.Lookup(ctx, digest)
}
