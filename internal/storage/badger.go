package storage

import (
	"context"
	"errors"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	logx "xjedubot/pkg/logx"
)

type badgerStore struct {
	db  *badger.DB
	log logx.Logger
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: path is required for badger driver")
	}
	opts := badger.DefaultOptions(path).
		WithLogger(nil). // badger's own logger is too chatty; we log errors ourselves
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db, log: log}, nil
}

func (s *badgerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	if s.db == nil {
		return nil, false, ErrClosed
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *badgerStore) Put(ctx context.Context, key string, value []byte) error {
	_ = ctx
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *badgerStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *badgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	return db.Close()
}
