package monitor

import (
	"context"
	"encoding/json"

	"xjedubot/internal/storage"
)

// snapshotKey is the single storage key holding all monitor state. The
// registry, dedup set and notice knowledge base load and commit as one
// unit; the storage driver guarantees the write is atomic.
const snapshotKey = "monitor/snapshot"

type snapshot struct {
	Version int              `json:"version"`
	Tasks   map[string]*Task `json:"tasks"`
	Dedup   []dedupEntry     `json:"dedup"`
	Notices []Notice         `json:"notices,omitempty"`
}

func loadSnapshot(ctx context.Context, store storage.Store) (*snapshot, error) {
	b, ok, err := store.Get(ctx, snapshotKey)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	if !ok {
		return &snapshot{Version: 1, Tasks: map[string]*Task{}}, nil
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, &PersistenceError{Op: "decode", Err: err}
	}
	if snap.Tasks == nil {
		snap.Tasks = map[string]*Task{}
	}
	return &snap, nil
}

func saveSnapshot(ctx context.Context, store storage.Store, snap *snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return &PersistenceError{Op: "encode", Err: err}
	}
	if err := store.Put(ctx, snapshotKey, b); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}
