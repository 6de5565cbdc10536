package realtime

import (
	"time"

	"github.com/google/uuid"

	"taskhive/cmd/internal/ids"
)

// NewSessionID returns an opaque per-connection handle.
// Session ids never leave the process.
func NewSessionID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}
