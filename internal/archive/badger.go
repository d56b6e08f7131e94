package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
)

// #region config
// BadgerConfig selects where a BadgerSink keeps its data.
type BadgerConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// #endregion config

// #region keys
const (
	expPrefix   = "exp/"
	connPrefix  = "conn/"
	batchPrefix = "batch/"
)

// Keys are zero padded so lexical order is numeric order.
func expKey(seq uint64) []byte       { return []byte(fmt.Sprintf("%s%020d", expPrefix, seq)) }
func connKey(id graph.ConnID) []byte { return []byte(fmt.Sprintf("%s%020d", connPrefix, uint64(id))) }
func batchKey(id string) []byte      { return []byte(batchPrefix + id) }

// #endregion keys

// #region open
// BadgerSink writes batches to a Badger key-value store. Values are the
// fixed binary records of each type.
type BadgerSink struct {
	db *badger.DB
}

// OpenBadger opens the store described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerSink, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("archive: badger path is required for persistent store")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerSink{db: db}, nil
}

// Close closes the store.
func (s *BadgerSink) Close() error {
	return s.db.Close()
}

// #endregion open

// #region write
// Write stores b through a write batch, which splits large batches across
// transactions.
func (s *BadgerSink) Write(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, e := range b.Experiences {
		rec := experience.Encode(e)
		if err := wb.Set(expKey(e.Seq), rec[:]); err != nil {
			return fmt.Errorf("set experience %d: %w", e.Seq, err)
		}
	}
	for _, c := range b.Connections {
		rec := graph.Encode(c)
		if err := wb.Set(connKey(c.ID), rec[:]); err != nil {
			return fmt.Errorf("set connection %d: %w", c.ID, err)
		}
	}
	info, err := json.Marshal(BatchInfo{
		ID:          b.ID,
		CreatedAt:   b.CreatedAt,
		Experiences: len(b.Experiences),
		Connections: len(b.Connections),
	})
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	if err := wb.Set(batchKey(b.ID), info); err != nil {
		return fmt.Errorf("set batch %s: %w", b.ID, err)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush batch %s: %w", b.ID, err)
	}
	return nil
}

// #endregion write

// #region read
// Experience reads one experience by seq.
func (s *BadgerSink) Experience(seq uint64) (experience.Entry, error) {
	var e experience.Entry
	err := s.get(expKey(seq), func(v []byte) error {
		var err error
		e, err = experience.Decode(v)
		return err
	})
	if err != nil {
		return experience.Entry{}, fmt.Errorf("experience %d: %w", seq, err)
	}
	return e, nil
}

// Connection reads one connection by id.
func (s *BadgerSink) Connection(id graph.ConnID) (graph.Connection, error) {
	var c graph.Connection
	err := s.get(connKey(id), func(v []byte) error {
		var err error
		c, err = graph.Decode(v)
		return err
	})
	if err != nil {
		return graph.Connection{}, fmt.Errorf("connection %d: %w", id, err)
	}
	return c, nil
}

func (s *BadgerSink) get(key []byte, fn func([]byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(fn)
	})
}

// Count returns how many experiences, connections and batches are stored.
func (s *BadgerSink) Count() (Summary, error) {
	var sum Summary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for _, p := range []struct {
			prefix string
			n      *int
		}{{expPrefix, &sum.Experiences}, {connPrefix, &sum.Connections}, {batchPrefix, &sum.Batches}} {
			pre := []byte(p.prefix)
			for it.Seek(pre); it.ValidForPrefix(pre); it.Next() {
				*p.n++
			}
		}
		return nil
	})
	return sum, err
}

// #endregion read
