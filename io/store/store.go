// Package store persists committed nullifiers and reputation records in
// BadgerDB, journaling every new record to a write-ahead log that is replayed
// on startup. The consensus layer sees only the read/write-all contract; the
// on-disk format is private to this package.
package store

import (
	"bytes"
	"encoding/json"
	stdErrors "errors"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/personhood-net/trustfabric/core/dto"
)

const (
	nullifierPrefix  = "nullifier/"
	reputationPrefix = "reputation/"
)

// Store is the shared badger+WAL backend. Typed views over it implement the
// per-component read/write-all contracts.
type Store struct {
	db  *badger.DB
	wal *gowal.Wal

	mu     sync.Mutex
	walIdx uint64
}

// New opens the badger database and replays WAL entries into it, so a crash
// between WAL append and badger write loses nothing.
func New(dbPath string, wal *gowal.Wal) (*Store, error) {
	if wal == nil {
		return nil, errors.New("wal is nil")
	}
	if dbPath == "" {
		return nil, errors.New("db path is empty")
	}

	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, errors.Wrap(err, "create badger directory")
	}

	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrap(err, "open badger db")
	}

	s := &Store{db: db, wal: wal}
	if err := s.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Nullifiers returns the committed-nullifier view.
func (s *Store) Nullifiers() *NullifierStore {
	return &NullifierStore{s}
}

// Reputation returns the reputation-record view.
func (s *Store) Reputation() *ReputationStore {
	return &ReputationStore{s}
}

// Close closes the underlying database. The WAL is owned by the caller.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) recover() error {
	for msg := range s.wal.Iterator() {
		if msg.Idx >= s.walIdx {
			s.walIdx = msg.Idx + 1
		}
		if msg.Key == "" || msg.Value == nil {
			continue
		}

		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(msg.Key), append([]byte{}, msg.Value...))
		}); err != nil {
			return errors.Wrap(err, "apply wal entry")
		}
	}

	return nil
}

// loadPrefix returns all values under a key prefix.
func (s *Store) loadPrefix(prefix string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, val)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan prefix %s", prefix)
	}

	return out, nil
}

// saveAll upserts every record, journaling new or changed ones to the WAL.
// Records are append-only at the consensus layer, so nothing is deleted here.
func (s *Store) saveAll(records map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for key, value := range records {
			item, err := txn.Get([]byte(key))
			if err == nil {
				existing, copyErr := item.ValueCopy(nil)
				if copyErr == nil && bytes.Equal(existing, value) {
					continue
				}
			} else if !stdErrors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if err := s.wal.Write(s.walIdx, key, value); err != nil {
				return errors.Wrap(err, "journal record")
			}
			s.walIdx++

			if err := txn.Set([]byte(key), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// NullifierStore implements the consensus read/write-all contract.
type NullifierStore struct {
	s *Store
}

func (n *NullifierStore) LoadAll() ([]dto.CommittedNullifier, error) {
	values, err := n.s.loadPrefix(nullifierPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]dto.CommittedNullifier, 0, len(values))
	for _, v := range values {
		var e dto.CommittedNullifier
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, errors.Wrap(err, "decode nullifier record")
		}
		out = append(out, e)
	}
	return out, nil
}

func (n *NullifierStore) SaveAll(entries []dto.CommittedNullifier) error {
	records := make(map[string][]byte, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "encode nullifier record")
		}
		records[nullifierPrefix+e.Nullifier] = raw
	}
	return n.s.saveAll(records)
}

// ReputationStore implements the attestation read/write-all contract.
type ReputationStore struct {
	s *Store
}

func (r *ReputationStore) LoadAll() ([]dto.ReputationRecord, error) {
	values, err := r.s.loadPrefix(reputationPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]dto.ReputationRecord, 0, len(values))
	for _, v := range values {
		var rec dto.ReputationRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, errors.Wrap(err, "decode reputation record")
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *ReputationStore) SaveAll(records []dto.ReputationRecord) error {
	encoded := make(map[string][]byte, len(records))
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "encode reputation record")
		}
		encoded[reputationPrefix+rec.Did] = raw
	}
	return r.s.saveAll(encoded)
}
