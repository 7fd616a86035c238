package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/logger"
)

// CacheAccount is the account under which a group's token blob is stored.
const CacheAccount = "tokens"

// ServiceName returns the storage service for a sharing group.
func ServiceName(group string) string {
	if group == "" {
		group = "default"
	}
	return "oidcauth." + group
}

// PersistentDelegate keeps a Store in sync with a SecureStorage blob. It
// reloads the blob before reads and writes, and saves it after writes. When
// the storage implements Locker, the lock is held from WillWriteCache to
// DidWriteCache so concurrent processes cannot interleave a load and a save.
type PersistentDelegate struct {
	storage SecureStorage
	service string
	log     *zap.SugaredLogger

	// writeMu serializes writers of this process between the will and did hooks.
	writeMu sync.Mutex
	unlock  func()

	loadMu sync.Mutex
	loaded []byte
}

// NewPersistentDelegate returns a delegate persisting to storage under group.
func NewPersistentDelegate(storage SecureStorage, group string, log *zap.SugaredLogger) *PersistentDelegate {
	if log == nil {
		log = logger.Get()
	}
	return &PersistentDelegate{storage: storage, service: ServiceName(group), log: log}
}

// Service returns the storage service name in use.
func (d *PersistentDelegate) Service() string {
	return d.service
}

func (d *PersistentDelegate) WillAccessCache(s *Store) error {
	return d.load(s)
}

func (*PersistentDelegate) DidAccessCache(*Store) {}

func (d *PersistentDelegate) WillWriteCache(s *Store) error {
	d.writeMu.Lock()

	if locker, ok := d.storage.(Locker); ok {
		unlock, err := locker.Lock(context.Background(), d.service, CacheAccount)
		if err != nil {
			d.writeMu.Unlock()
			return err
		}
		d.unlock = unlock
	}

	if err := d.load(s); err != nil {
		// An unreadable blob is replaced by the write that follows.
		if autherr.IsCache(err) {
			return nil
		}
		d.release()
		return err
	}
	return nil
}

func (d *PersistentDelegate) DidWriteCache(s *Store) error {
	defer d.release()

	data, err := s.Serialize()
	if err != nil {
		return err
	}
	if err := d.storage.Set(d.service, CacheAccount, data); err != nil {
		return fmt.Errorf("save token cache to %s: %w", d.storage.Name(), err)
	}

	d.loadMu.Lock()
	d.loaded = data
	d.loadMu.Unlock()
	d.log.Debugw("Token cache saved", "storage", d.storage.Name(), "service", d.service, "records", s.Len())
	return nil
}

// load deserializes the stored blob into s unless it is unchanged since the
// last load or save.
func (d *PersistentDelegate) load(s *Store) error {
	data, err := d.storage.Get(d.service, CacheAccount)
	if errors.Is(err, ErrNoBlob) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load token cache from %s: %w", d.storage.Name(), err)
	}

	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	if d.loaded != nil && bytes.Equal(d.loaded, data) {
		return nil
	}
	if err := s.Deserialize(data); err != nil {
		d.log.Warnw("Stored token cache is unreadable; keeping in-memory copy", "service", d.service, "error", err)
		return err
	}
	d.loaded = data
	return nil
}

func (d *PersistentDelegate) release() {
	if d.unlock != nil {
		d.unlock()
		d.unlock = nil
	}
	d.writeMu.Unlock()
}
