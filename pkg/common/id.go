package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateID generates a unique ID with the given prefix.
// Format: prefix-timestamp-random
func GenerateID(prefix string) string {
	timestamp := time.Now().UnixNano() / int64(time.Millisecond)
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	random := hex.EncodeToString(randomBytes)
	return fmt.Sprintf("%s-%d-%s", prefix, timestamp, random)
}

// GenerateSessionID generates a unique terminal session ID.
func GenerateSessionID() string {
	return uuid.NewString()
}

// GenerateInstanceID returns the first 8 characters of a random uuid.
func GenerateInstanceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// GenerateRunID generates a unique workflow run ID.
func GenerateRunID() string {
	return uuid.NewString()
}
