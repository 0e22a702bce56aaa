package state

import (
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"deedescrow/storage"
)

// ErrReadOnly is returned when a write is attempted inside View.
var ErrReadOnly = errors.New("state: write in read-only transaction")

// Manager serialises access to one namespace of the key-value store. Every
// mutation runs inside Update, which holds the manager lock for the whole
// read-validate-write cycle and commits the staged writes as a single batch.
// Managers over disjoint namespaces may share a database.
type Manager struct {
	mu        sync.RWMutex
	db        storage.Database
	namespace string
}

// NewManager creates a state manager for the supplied namespace.
func NewManager(db storage.Database, namespace string) *Manager {
	return &Manager{db: db, namespace: namespace}
}

// Update runs fn with a writable transaction. Writes are applied only when fn
// returns nil and the batch write succeeds; otherwise nothing is persisted.
func (m *Manager) Update(fn func(*Tx) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &Tx{m: m, writable: true, pending: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn with a read-only transaction. Concurrent views are allowed;
// they never observe a partially applied Update.
func (m *Manager) View(fn func(*Tx) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&Tx{m: m})
}

func (m *Manager) hashKey(key []byte) []byte {
	buf := make([]byte, 0, len(m.namespace)+1+len(key))
	buf = append(buf, m.namespace...)
	buf = append(buf, ':')
	buf = append(buf, key...)
	return ethcrypto.Keccak256(buf)
}

// Tx is a single unit of work against a Manager. It must not be retained
// after the callback returns.
type Tx struct {
	m        *Manager
	writable bool
	pending  map[string][]byte
	order    []string
}

func (tx *Tx) get(key []byte) ([]byte, bool, error) {
	hashed := tx.m.hashKey(key)
	if tx.pending != nil {
		if value, ok := tx.pending[string(hashed)]; ok {
			return value, true, nil
		}
	}
	value, err := tx.m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (tx *Tx) put(key, value []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	hashed := string(tx.m.hashKey(key))
	if _, seen := tx.pending[hashed]; !seen {
		tx.order = append(tx.order, hashed)
	}
	tx.pending[hashed] = value
	return nil
}

func (tx *Tx) commit() error {
	if len(tx.order) == 0 {
		return nil
	}
	batch := tx.m.db.NewBatch()
	for _, key := range tx.order {
		batch.Put([]byte(key), tx.pending[key])
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Dirty reports whether the transaction has staged writes.
func (tx *Tx) Dirty() bool { return len(tx.order) > 0 }

// KVPut RLP-encodes value and stages it under key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return tx.put(key, encoded)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	data, ok, err := tx.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}
