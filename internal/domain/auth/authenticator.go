package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
)

// ErrInvalidKey is returned when an access key is missing, malformed,
// revoked, or expired. Callers must never distinguish these cases in the
// response they send to the caller (AuthFailure is a single
// user-facing outcome regardless of cause).
var ErrInvalidKey = errors.New("invalid agent access key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized
// format and cannot be verified.
var ErrUnknownHashType = errors.New("unknown hash type")

// minKeyLength is the shortest raw key Authenticate will operate on; shorter
// inputs can never match a stored key and are rejected without a store
// round trip.
const minKeyLength = 12

// KeyAuthenticator validates an agent's raw bearer key and resolves it to a
// RequestContext (tenant, workspace, agent).
type KeyAuthenticator struct {
	store AuthStore
}

// NewKeyAuthenticator builds a KeyAuthenticator backed by the given store.
func NewKeyAuthenticator(store AuthStore) *KeyAuthenticator {
	return &KeyAuthenticator{store: store}
}

// Authenticate resolves a raw bearer key into a RequestContext.
//
// The fast path looks up candidate keys by the first 12 characters of the
// raw key (an indexed prefix column), then runs the real comparison
// (constant-time SHA-256 or Argon2id) against only those rows. This keeps
// the common case to a single indexed store call instead of a full table
// scan, while still tolerating hash-collisions on the prefix.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*RequestContext, error) {
	if len(rawKey) < minKeyLength {
		return nil, ErrInvalidKey
	}
	prefix := rawKey[:minKeyLength]

	candidates, err := a.store.ListByPrefix(ctx, prefix)
	if err != nil {
		return nil, ErrInvalidKey
	}

	for _, candidate := range candidates {
		match, verifyErr := VerifyKey(rawKey, candidate.Hash)
		if verifyErr != nil || !match {
			continue
		}
		return a.resolve(candidate)
	}
	return nil, ErrInvalidKey
}

func (a *KeyAuthenticator) resolve(key *AgentAccessKey) (*RequestContext, error) {
	if key.Revoked || key.Deactivated || key.IsExpired() {
		return nil, ErrInvalidKey
	}
	return &RequestContext{
		RequestID:   uuid.NewString(),
		TenantID:    key.TenantID,
		WorkspaceID: key.WorkspaceID,
		AgentID:     key.AgentID,
		AccessKeyID: key.ID,
	}, nil
}

// HashKey computes the salted SHA-256 digest of rawKey in the stored form
// "sha256:<salt-hex>:<digest-hex>". The caller supplies the salt; hashing
// the same raw key with two different salts yields different output (as it
// must for a salted scheme), so callers compare with VerifyKey, never by
// recomputing with a new salt and string-equating.
func HashKey(rawKey string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(rawKey))
	digest := h.Sum(nil)
	return "sha256:" + hex.EncodeToString(salt) + ":" + hex.EncodeToString(digest)
}

// argon2idParams defines OWASP-minimum parameters for Argon2id, used only
// for administratively rotated keys (the hash-upgrade path); freshly minted
// keys use the faster salted SHA-256 form above.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of rawKey in PHC format.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType identifies the hash algorithm used for a stored hash.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	return "unknown"
}

// VerifyKey verifies a raw key against a stored hash, dispatching on the
// hash format the row carries.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)
	case "sha256":
		parts := strings.SplitN(storedHash, ":", 3)
		if len(parts) != 3 {
			return false, ErrUnknownHashType
		}
		salt, err := hex.DecodeString(parts[1])
		if err != nil {
			return false, ErrUnknownHashType
		}
		computed := HashKey(rawKey, salt)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery: the underlying library panics on malformed parameter strings
// (e.g. t=0, p=0), and VerifyKey must never panic on attacker-controlled
// input.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
