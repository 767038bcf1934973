package conduit

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for DAGs, devices, device tasks, and hypergraph sessions.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTaskID generates an opaque short task identifier: 8 random bytes,
// base64url-encoded without padding.
func NewTaskID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read on a supported platform does not fail; a UUID
		// fallback keeps NewTaskID total rather than panicking.
		return uuid.Must(uuid.NewV7()).String()[:11]
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
