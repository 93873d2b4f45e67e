package redlock

import (
	"encoding/hex"

	"github.com/google/uuid"
	gouuid "github.com/hashicorp/go-uuid"
)

// Token proves ownership of a lock. It is opaque to callers.
type Token string

// TokenGenerator returns a fresh token for every call. Tokens must be unique
// with overwhelming probability.
type TokenGenerator func() (Token, error)

// UUIDTokens generates random version 4 UUIDs.
func UUIDTokens() (Token, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return Token(id.String()), nil
}

// RandomHexTokens generates 128 random bits, hex encoded.
func RandomHexTokens() (Token, error) {
	b, err := gouuid.GenerateRandomBytes(16)
	if err != nil {
		return "", err
	}
	return Token(hex.EncodeToString(b)), nil
}
