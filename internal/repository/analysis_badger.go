package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"chess_lore/internal/domain/analysis"
	errs "chess_lore/internal/errors"
)

// LocalAnalysisStore is an on-disk analysis cache for running without Redis.
type LocalAnalysisStore struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenLocalAnalysisStore opens (or creates) the store in dir. An empty dir
// keeps everything in memory.
func OpenLocalAnalysisStore(dir string, ttl time.Duration) (*LocalAnalysisStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return &LocalAnalysisStore{db: db, ttl: ttl}, nil
}

func (s *LocalAnalysisStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *LocalAnalysisStore) Get(_ context.Context, hash string) (*analysis.GameAnalysisResult, error) {
	var result analysis.GameAnalysisResult

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(analysisKey(hash)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errs.ErrAnalysisNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load analysis %s: %w", hash, err)
	}
	return &result, nil
}

func (s *LocalAnalysisStore) Set(_ context.Context, result *analysis.GameAnalysisResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(analysisKey(result.GameHash)), data)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
}
