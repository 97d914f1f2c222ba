package msg

import (
	"fmt"

	"github.com/google/uuid"
)

// UUID is a 16-byte transfer or message id. Its text form is the
// canonical hyphenated one.
type UUID [16]byte

// NewUUID returns a random (version 4) id.
func NewUUID() UUID {
	return UUID(uuid.New())
}

// ParseUUID parses the hyphenated or 32-hex-digit form.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("msg: parse uuid: %w", err)
	}
	return UUID(u), nil
}

func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// IsZero reports whether the id is unset.
func (u UUID) IsZero() bool {
	return u == UUID{}
}

func uuidFromBytes(b []byte) (UUID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return UUID{}, fmt.Errorf("id size %d bytes, want 16", len(b))
	}
	return UUID(u), nil
}
