package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/skylink/metrics"
)

// JournalDataset is the lode dataset id of the metrics journal.
const JournalDataset = "skylink"

// RecordKindMetrics tags metrics records in the journal.
const RecordKindMetrics = "metrics"

// ErrNoSnapshots is returned when the journal holds no metrics records.
var ErrNoSnapshots = errors.New("no metrics snapshots recorded")

// Shared returns a factory that creates one store from f and hands the
// same instance to every caller, so a Store and a Journal built from it
// see the same objects even on the memory backend.
func Shared(f lode.StoreFactory) lode.StoreFactory {
	var (
		once  sync.Once
		store lode.Store
		err   error
	)
	return func() (lode.Store, error) {
		once.Do(func() { store, err = f() })
		return store, err
	}
}

// Journal appends metrics snapshots to a Hive-partitioned lode dataset,
// one partition per device and day.
type Journal struct {
	ds     lode.Dataset
	serial string
}

// NewJournal opens the journal of the device with the given serial number.
func NewJournal(factory lode.StoreFactory, serialNumber uint32) (*Journal, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID(JournalDataset),
		factory,
		lode.WithHiveLayout("serial_number", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, wrap(err, "init", JournalDataset)
	}
	return &Journal{ds: ds, serial: strconv.FormatUint(uint64(serialNumber), 10)}, nil
}

func (j *Journal) record(s metrics.Snapshot) (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	rec := make(map[string]any)
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	rec["record_kind"] = RecordKindMetrics
	rec["serial_number"] = j.serial
	rec["day"] = time.UnixMilli(s.Timestamp).UTC().Format(time.DateOnly)
	return rec, nil
}

// Append writes one snapshot.
func (j *Journal) Append(ctx context.Context, s metrics.Snapshot) error {
	rec, err := j.record(s)
	if err != nil {
		return fmt.Errorf("storage: encode snapshot: %w", err)
	}
	if _, err := j.ds.Write(ctx, []any{rec}, lode.Metadata{}); err != nil {
		return wrap(err, "append", JournalDataset)
	}
	return nil
}

// Latest returns the most recently appended snapshot of this device.
func (j *Journal) Latest(ctx context.Context) (metrics.Snapshot, error) {
	snapshots, err := j.ds.Snapshots(ctx)
	if err != nil {
		return metrics.Snapshot{}, wrap(err, "latest", JournalDataset)
	}

	for i := len(snapshots) - 1; i >= 0; i-- {
		data, err := j.ds.Read(ctx, snapshots[i].ID)
		if err != nil {
			return metrics.Snapshot{}, wrap(err, "latest", fmt.Sprint(snapshots[i].ID))
		}
		for k := len(data) - 1; k >= 0; k-- {
			rec, ok := data[k].(map[string]any)
			if !ok || rec["record_kind"] != RecordKindMetrics || rec["serial_number"] != j.serial {
				continue
			}
			return decodeSnapshot(rec)
		}
	}
	return metrics.Snapshot{}, ErrNoSnapshots
}

func decodeSnapshot(rec map[string]any) (metrics.Snapshot, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	var s metrics.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return metrics.Snapshot{}, &StorageError{Kind: ErrCorrupt, Op: "latest", Key: JournalDataset, Err: err}
	}
	return s, nil
}
