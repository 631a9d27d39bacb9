package timeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// EventHash computes the stable content hash that deduplicates timeline
// events across builds. It is a pure function of the identity fields:
// rebuilding from the same evidence always produces the same hash.
func EventHash(sourceType SourceType, sourceRecordID int64, timestamp time.Time, principal, action string) string {
	parts := []string{
		string(sourceType),
		strconv.FormatInt(sourceRecordID, 10),
		timestamp.UTC().Format(time.RFC3339Nano),
		principal,
		action,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
