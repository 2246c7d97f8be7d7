package storage

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// NewCrawlID derives a UUID-shaped identifier from the seed and start time.
func NewCrawlID(seed string, startedAt time.Time) string {
	sum := sha256.Sum256([]byte(seed + "|" + startedAt.UTC().Format(time.RFC3339Nano)))
	b := make([]byte, 16)
	copy(b, sum[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
