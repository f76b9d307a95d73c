package storage

import (
	"context"
	"errors"
	"fmt"

	"nftbridge/store"
)

// SnapshotKey is the key the serialised bridge state is written under.
var SnapshotKey = []byte("state/snapshot")

// SaveSnapshot serialises the full state of s into db.
func SaveSnapshot(ctx context.Context, db Database, s store.Store) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	blob, err := store.Encode(snap)
	if err != nil {
		return err
	}
	if err := db.Put(SnapshotKey, blob); err != nil {
		return fmt.Errorf("storage: write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores s from the snapshot held in db. It reports false when no snapshot
// has been written yet.
func LoadSnapshot(ctx context.Context, db Database, s store.Store) (bool, error) {
	blob, err := db.Get(SnapshotKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: read snapshot: %w", err)
	}
	snap, err := store.Decode(blob)
	if err != nil {
		return false, err
	}
	if err := s.Restore(ctx, snap); err != nil {
		return false, fmt.Errorf("storage: restore snapshot: %w", err)
	}
	return true, nil
}
