package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/logger"
)

// SchemaVersion is the version written by Serialize.
const SchemaVersion = 1

// ErrNotFound is returned when a record to remove is not in the cache.
var ErrNotFound = errors.New("token record not found")

// Delegate is notified around every cache access. Hooks run outside the
// store's lock, so they may call Serialize and Deserialize.
type Delegate interface {
	// WillAccessCache runs before a read. An error aborts the read.
	WillAccessCache(s *Store) error
	DidAccessCache(s *Store)
	// WillWriteCache runs before a write. An error aborts the write.
	WillWriteCache(s *Store) error
	// DidWriteCache runs after the in-memory write completed.
	DidWriteCache(s *Store) error
}

// Store is a thread-safe table of token records.
type Store struct {
	mu       sync.RWMutex
	items    map[Key]TokenRecord
	delegate Delegate
	log      *zap.SugaredLogger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDelegate sets the persistence delegate.
func WithDelegate(d Delegate) StoreOption {
	return func(s *Store) { s.delegate = d }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *zap.SugaredLogger) StoreOption {
	return func(s *Store) { s.log = l }
}

// NewStore returns an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{items: make(map[Key]TokenRecord)}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logger.Get()
	}
	return s
}

// SetDelegate replaces the delegate. Not safe to call while operations are in flight.
func (s *Store) SetDelegate(d Delegate) {
	s.delegate = d
}

type serialized struct {
	Version int           `json:"version"`
	Tokens  []TokenRecord `json:"tokens"`
}

// AllItems returns every record, sorted by key.
func (s *Store) AllItems() ([]TokenRecord, error) {
	return s.Find(func(TokenRecord) bool { return true })
}

// Find returns the records matching pred, sorted by key.
func (s *Store) Find(pred func(TokenRecord) bool) ([]TokenRecord, error) {
	if err := s.willAccess(); err != nil {
		return nil, err
	}
	defer s.didAccess()

	s.mu.RLock()
	var out []TokenRecord
	for _, r := range s.items {
		if pred(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

// Get returns the record stored at k.
func (s *Store) Get(k Key) (TokenRecord, bool, error) {
	if err := s.willAccess(); err != nil {
		return TokenRecord{}, false, err
	}
	defer s.didAccess()

	s.mu.RLock()
	r, ok := s.items[k.normalized()]
	s.mu.RUnlock()
	return r, ok, nil
}

// Put writes records in one critical section, overwriting records with the same key.
func (s *Store) Put(records ...TokenRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.write("write", func(items map[Key]TokenRecord) error {
		for _, r := range records {
			items[r.Key()] = r
		}
		return nil
	})
}

// RemoveItem removes the record with r's key.
func (s *Store) RemoveItem(r TokenRecord) error {
	return s.write("remove item", func(items map[Key]TokenRecord) error {
		k := r.Key()
		if _, ok := items[k]; !ok {
			return ErrNotFound
		}
		delete(items, k)
		return nil
	})
}

// RemoveWhere removes every record matching pred in one critical section
// and returns how many were removed.
func (s *Store) RemoveWhere(pred func(TokenRecord) bool) (int, error) {
	removed := 0
	err := s.write("remove", func(items map[Key]TokenRecord) error {
		for k, r := range items {
			if pred(r) {
				delete(items, k)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Serialize encodes the whole cache. It does not invoke delegate hooks.
func (s *Store) Serialize() ([]byte, error) {
	s.mu.RLock()
	tokens := make([]TokenRecord, 0, len(s.items))
	for _, r := range s.items {
		tokens = append(tokens, r)
	}
	s.mu.RUnlock()

	sortRecords(tokens)
	data, err := json.Marshal(serialized{Version: SchemaVersion, Tokens: tokens})
	if err != nil {
		return nil, autherr.Cache("serialize", err)
	}
	return data, nil
}

// Deserialize replaces the cache contents with data. On failure the previous
// contents are kept. Empty data empties the cache. It does not invoke
// delegate hooks.
func (s *Store) Deserialize(data []byte) error {
	items := make(map[Key]TokenRecord)
	if len(data) > 0 {
		var in serialized
		if err := json.Unmarshal(data, &in); err != nil {
			return autherr.Cache("deserialize", err)
		}
		if in.Version != SchemaVersion {
			return autherr.Cache("deserialize", fmt.Errorf("unsupported cache version %d", in.Version))
		}
		for i, r := range in.Tokens {
			if r.Authority == "" || r.ClientID == "" {
				return autherr.Cache("deserialize", fmt.Errorf("record %d has no authority or client id", i))
			}
			items[r.Key()] = r
		}
	}

	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	return nil
}

// Len returns the number of records without invoking hooks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) write(op string, mutate func(map[Key]TokenRecord) error) error {
	if s.delegate != nil {
		if err := s.delegate.WillWriteCache(s); err != nil {
			return autherr.Cache("prepare "+op, err)
		}
	}

	s.mu.Lock()
	err := mutate(s.items)
	s.mu.Unlock()

	if s.delegate != nil {
		if derr := s.delegate.DidWriteCache(s); derr != nil {
			s.log.Warnw("Token cache write was not persisted", "op", op, "error", derr)
			if err == nil {
				return autherr.Cache("persist "+op, derr)
			}
		}
	}
	if err != nil {
		return autherr.Cache(op, err)
	}
	return nil
}

func (s *Store) willAccess() error {
	if s.delegate == nil {
		return nil
	}
	if err := s.delegate.WillAccessCache(s); err != nil {
		return autherr.Cache("load", err)
	}
	return nil
}

func (s *Store) didAccess() {
	if s.delegate != nil {
		s.delegate.DidAccessCache(s)
	}
}

func sortRecords(records []TokenRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].Key(), records[j].Key()
		if a.Authority != b.Authority {
			return a.Authority < b.Authority
		}
		if a.ClientID != b.ClientID {
			return a.ClientID < b.ClientID
		}
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		return a.UserID < b.UserID
	})
}
