package utils

import (
	"encoding/base64"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// CalculateHash returns a quoted xxhash of data, usable as a Version header
func CalculateHash(data []byte) string {
	return fmt.Sprintf("\"%016x\"", xxhash.Sum64(data))
}

// GenerateRandomID generates a random ID for connections and lock holders
func GenerateRandomID() string {
	return uuid.NewString()
}

// GenerateSessionID returns a random URL safe session id
func GenerateSessionID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}
