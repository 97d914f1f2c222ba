package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/skylink/msg"
)

// MarkerKey is where the firmware transfer marker is persisted.
const MarkerKey = "cloud/firmware/update_id"

// Marker records a finished firmware transfer across the reboot into the
// new image. Its presence at boot triggers the acknowledgement.
type Marker struct {
	ID           msg.UUID
	Offset       uint32
	FirmwareSize uint32
	SavedAt      time.Time
}

type markerRecord struct {
	ID           []byte    `msgpack:"id"`
	Offset       uint32    `msgpack:"offset"`
	FirmwareSize uint32    `msgpack:"firmware_size"`
	SavedAt      time.Time `msgpack:"saved_at"`
}

// SaveMarker persists m, replacing any previous marker.
func (s *Store) SaveMarker(ctx context.Context, m Marker) error {
	data, err := msgpack.Marshal(markerRecord{
		ID:           m.ID[:],
		Offset:       m.Offset,
		FirmwareSize: m.FirmwareSize,
		SavedAt:      m.SavedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("storage: encode marker: %w", err)
	}
	return s.Save(ctx, MarkerKey, data)
}

// LoadMarker returns the persisted marker. ok is false when none exists.
func (s *Store) LoadMarker(ctx context.Context) (m Marker, ok bool, err error) {
	data, err := s.Load(ctx, MarkerKey)
	if errors.Is(err, ErrNotFound) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, err
	}

	var rec markerRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Marker{}, false, &StorageError{Kind: ErrCorrupt, Op: "load", Key: MarkerKey, Err: err}
	}
	if len(rec.ID) != len(m.ID) {
		return Marker{}, false, &StorageError{
			Kind: ErrCorrupt,
			Op:   "load",
			Key:  MarkerKey,
			Err:  fmt.Errorf("marker id is %d bytes, want %d", len(rec.ID), len(m.ID)),
		}
	}
	copy(m.ID[:], rec.ID)
	m.Offset = rec.Offset
	m.FirmwareSize = rec.FirmwareSize
	m.SavedAt = rec.SavedAt
	return m, true, nil
}

// DeleteMarker removes the persisted marker.
func (s *Store) DeleteMarker(ctx context.Context) error {
	return s.Delete(ctx, MarkerKey)
}
