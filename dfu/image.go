// Package dfu stages firmware images received from the cloud and commits
// finished images to the durable store for the bootloader.
package dfu

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/skylink/log"
	"github.com/pithecene-io/skylink/process"
	"github.com/pithecene-io/skylink/storage"
)

// Storage keys of the secondary slot.
const (
	SlotKey  = "dfu/slot1/image"
	StateKey = "dfu/slot1/state"
)

// DefaultMaxImageSize bounds the image accepted by Begin.
const DefaultMaxImageSize = 1 << 20

// ErrImageTooBig is returned by Begin when the image does not fit the slot.
var ErrImageTooBig = errors.New("dfu: image does not fit the slot")

// SlotState describes the image in the secondary slot.
type SlotState struct {
	Size   uint32 `msgpack:"size"`
	SHA256 string `msgpack:"sha256"`
	// Pending is set once the image is scheduled for installation.
	Pending bool `msgpack:"pending"`
	// Confirmed is set after the device booted the image and reached the
	// cloud.
	Confirmed   bool      `msgpack:"confirmed"`
	ScheduledAt time.Time `msgpack:"scheduled_at"`
}

// Config configures an Image.
type Config struct {
	// MaxImageSize is the slot capacity. Zero means DefaultMaxImageSize.
	MaxImageSize uint32
	Logger       *log.Logger
}

// Image is a firmware flasher writing into an in-memory staging buffer.
// It implements process.Flasher.
type Image struct {
	store   *storage.Store
	maxSize uint32
	logger  *log.Logger

	mu     sync.Mutex
	active bool
	size   uint32
	buf    bytes.Buffer
}

// New creates an Image backed by store.
func New(store *storage.Store, cfg Config) *Image {
	if cfg.MaxImageSize == 0 {
		cfg.MaxImageSize = DefaultMaxImageSize
	}
	return &Image{store: store, maxSize: cfg.MaxImageSize, logger: log.OrNop(cfg.Logger)}
}

// Reset abandons any image write in progress.
func (im *Image) Reset(context.Context) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.active = false
	im.size = 0
	im.buf.Reset()
	return nil
}

// Begin starts a new image of size bytes.
func (im *Image) Begin(_ context.Context, size uint32) error {
	if size > im.maxSize {
		return fmt.Errorf("%w: %d bytes, slot holds %d", ErrImageTooBig, size, im.maxSize)
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	im.active = true
	im.size = size
	im.buf.Reset()
	im.buf.Grow(int(size))
	return nil
}

// Write appends a chunk.
func (im *Image) Write(_ context.Context, data []byte) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if !im.active {
		return process.ErrNoImage
	}
	if uint32(im.buf.Len())+uint32(len(data)) > im.size {
		return fmt.Errorf("dfu: chunk of %d bytes overruns image of %d bytes at offset %d", len(data), im.size, im.buf.Len())
	}
	im.buf.Write(data)
	return nil
}

// Offset returns the number of bytes written.
func (im *Image) Offset(context.Context) (uint32, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if !im.active {
		return 0, process.ErrNoImage
	}
	return uint32(im.buf.Len()), nil
}

// FinalizeAndSchedule commits the complete image to the slot and marks it
// pending installation.
func (im *Image) FinalizeAndSchedule(ctx context.Context) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if !im.active {
		return process.ErrNoImage
	}
	if uint32(im.buf.Len()) != im.size {
		return fmt.Errorf("dfu: image incomplete: %d of %d bytes", im.buf.Len(), im.size)
	}

	data := im.buf.Bytes()
	sum := sha256.Sum256(data)
	if err := im.store.Save(ctx, SlotKey, data); err != nil {
		return err
	}
	st := SlotState{
		Size:        im.size,
		SHA256:      hex.EncodeToString(sum[:]),
		Pending:     true,
		ScheduledAt: time.Now().UTC(),
	}
	if err := im.saveState(ctx, st); err != nil {
		return err
	}

	im.logger.Info("image scheduled", map[string]any{"size": st.Size, "sha256": st.SHA256})
	im.active = false
	im.buf.Reset()
	return nil
}

// ConfirmBoot marks the scheduled image as confirmed. Without a pending
// image it does nothing.
func (im *Image) ConfirmBoot(ctx context.Context) error {
	st, ok, err := im.State(ctx)
	if err != nil || !ok || !st.Pending {
		return err
	}
	st.Pending = false
	st.Confirmed = true
	if err := im.saveState(ctx, st); err != nil {
		return err
	}
	im.logger.Info("boot image confirmed", map[string]any{"sha256": st.SHA256})
	return nil
}

// State returns the slot state. ok is false when the slot is empty.
func (im *Image) State(ctx context.Context) (st SlotState, ok bool, err error) {
	data, err := im.store.Load(ctx, StateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return SlotState{}, false, nil
	}
	if err != nil {
		return SlotState{}, false, err
	}
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return SlotState{}, false, fmt.Errorf("dfu: decode slot state: %w", err)
	}
	return st, true, nil
}

func (im *Image) saveState(ctx context.Context, st SlotState) error {
	data, err := msgpack.Marshal(st)
	if err != nil {
		return fmt.Errorf("dfu: encode slot state: %w", err)
	}
	return im.store.Save(ctx, StateKey, data)
}

var _ process.Flasher = (*Image)(nil)
