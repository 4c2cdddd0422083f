package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/smartvend/venderd/internal/models"
)

// BadgerStore implements Store with Badger DB. Rows are JSON values under
// type prefixes; conditional updates run inside badger transactions.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // badger's own logging is too chatty for a server log
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// NewInMemoryStore opens a badger instance without a backing directory.
// Used by tests and by single-shot tooling.
func NewInMemoryStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func machineKey(id string) []byte { return []byte("machine:" + id) }
func lockKey(id string) []byte    { return []byte("lock:" + id) }
func txKey(id string) []byte      { return []byte("tx:" + id) }
func idemKey(id string) []byte    { return []byte("idem:" + id) }

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

// ---------- machines ----------

func (s *BadgerStore) PutMachine(ctx context.Context, m *models.Machine) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, machineKey(m.ID), m)
	})
}

func (s *BadgerStore) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	var out models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, machineKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMachineByDisplayCode scans the machine prefix for a matching live code.
// Fleets are small (tens of machines), so a scan beats maintaining a code
// index that would go stale on every rotation.
func (s *BadgerStore) GetMachineByDisplayCode(ctx context.Context, displayCode string) (*models.Machine, error) {
	var found *models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("machine:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m models.Machine
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			})
			if err != nil {
				return err
			}
			if m.DisplayCode == displayCode {
				found = &m
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *BadgerStore) ListMachines(ctx context.Context) ([]*models.Machine, error) {
	var out []*models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("machine:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m models.Machine
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			})
			if err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) SetMachineStatus(ctx context.Context, id, status string) error {
	return s.mutateMachine(id, func(m *models.Machine) {
		m.Status = status
	})
}

func (s *BadgerStore) SetMachineStock(ctx context.Context, id string, stock int, status string) error {
	return s.mutateMachine(id, func(m *models.Machine) {
		m.CurrentStock = stock
		if status != "" {
			m.Status = status
		}
	})
}

func (s *BadgerStore) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	return s.mutateMachine(id, func(m *models.Machine) {
		m.LastSeenAt = at
	})
}

func (s *BadgerStore) RotateDisplayCode(ctx context.Context, id, newCode string, expiresAt time.Time, status string) error {
	return s.mutateMachine(id, func(m *models.Machine) {
		m.DisplayCode = newCode
		m.DisplayCodeExpiresAt = expiresAt
		if status != "" {
			m.Status = status
		}
	})
}

// mutateMachine applies fn to the current row inside one transaction, so
// concurrent writers on the same machine serialize through badger.
func (s *BadgerStore) mutateMachine(id string, fn func(*models.Machine)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var m models.Machine
		if err := getJSON(txn, machineKey(id), &m); err != nil {
			return err
		}
		fn(&m)
		m.UpdatedAt = time.Now().UTC()
		return putJSON(txn, machineKey(id), &m)
	})
}

// ---------- locks ----------

func (s *BadgerStore) GetLock(ctx context.Context, machineID string) (*models.Lock, error) {
	var out models.Lock
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, lockKey(machineID), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpsertLock(ctx context.Context, l *models.Lock) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, lockKey(l.MachineID), l)
	})
}

func (s *BadgerStore) DeleteLock(ctx context.Context, machineID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(lockKey(machineID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) MarkLockConsumed(ctx context.Context, machineID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var l models.Lock
		if err := getJSON(txn, lockKey(machineID), &l); err != nil {
			return err
		}
		l.Status = models.LockStatusConsumed
		return putJSON(txn, lockKey(machineID), &l)
	})
}

// ---------- transactions ----------

func (s *BadgerStore) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(txKey(tx.ID)); err == nil {
			return ErrExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putJSON(txn, txKey(tx.ID), tx)
	})
}

func (s *BadgerStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var out models.Transaction
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, txKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) CompleteTransaction(ctx context.Context, id string, dispensed int, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var tx models.Transaction
		if err := getJSON(txn, txKey(id), &tx); err != nil {
			return err
		}
		tx.Dispensed = dispensed
		tx.PaymentStatus = models.PaymentCompleted
		tx.CompletedAt = at
		return putJSON(txn, txKey(id), &tx)
	})
}

// ---------- idempotency ----------

func (s *BadgerStore) PutIdem(ctx context.Context, externalID string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idemKey(externalID)); err == nil {
			return ErrExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(idemKey(externalID), []byte(at.UTC().Format(time.RFC3339Nano)))
	})
}

func (s *BadgerStore) DeleteIdem(ctx context.Context, externalID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(idemKey(externalID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

var _ Store = (*BadgerStore)(nil)
