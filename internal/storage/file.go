package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "xjedubot/pkg/logx"
)

// fileStore keeps the full key space in memory and rewrites a single
// snapshot file on every mutation. Writes go to a temp file in the same
// directory, get fsynced, then renamed over the live snapshot, so a crash
// mid-write leaves the previous snapshot intact.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	path   string
	data   map[string][]byte
	closed bool
}

// snapshot file format: {"version":1,"data":{key: base64(value)}}
type fileSnapshot struct {
	Version int               `json:"version"`
	Data    map[string]string `json:"data"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: path is required for file driver")
	}
	if filepath.Ext(path) == "" {
		path += ".json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, data: map[string][]byte{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		// A torn snapshot should be impossible with rename-in-place; if it
		// happens anyway (disk fault, manual edit) start fresh but keep the
		// corrupt file around for inspection.
		s.log.Warn("snapshot unreadable; starting empty", logx.String("path", s.path), logx.Err(err))
		_ = os.Rename(s.path, s.path+".corrupt")
		return nil
	}
	for k, v := range snap.Data {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			continue
		}
		s.data[k] = raw
	}
	return nil
}

// persistLocked writes the snapshot atomically. Caller holds s.mu.
func (s *fileStore) persistLocked() error {
	snap := fileSnapshot{Version: 1, Data: make(map[string]string, len(s.data))}
	for k, v := range s.data {
		snap.Data[k] = base64.StdEncoding.EncodeToString(v)
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *fileStore) Put(ctx context.Context, key string, value []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return s.persistLocked()
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.persistLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
