package cache

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"
)

// keyIndexAccount lists the accounts written under a service, since the OS
// keyring cannot enumerate them.
const keyIndexAccount = "__oidcauth_index__"

// KeyringStorage stores blobs in the OS keyring (macOS Keychain, Secret
// Service, Windows Credential Manager). Service names follow the sharing
// group: applications using the same group see the same cache.
type KeyringStorage struct {
	mu sync.Mutex
}

// NewKeyringStorage returns a KeyringStorage.
func NewKeyringStorage() *KeyringStorage {
	return &KeyringStorage{}
}

// KeyringAvailable probes the keyring with a throwaway entry.
func KeyringAvailable(service string) bool {
	const probe = "__oidcauth_probe__"
	if err := keyring.Set(service, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(service, probe)
	return true
}

func (k *KeyringStorage) Get(service, account string) ([]byte, error) {
	encoded, err := keyring.Get(service, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoBlob
		}
		return nil, fmt.Errorf("keyring get %s/%s: %w", service, account, err)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keyring entry %s/%s is corrupt: %w", service, account, err)
	}
	return data, nil
}

func (k *KeyringStorage) Set(service, account string, data []byte) error {
	if err := keyring.Set(service, account, base64.StdEncoding.EncodeToString(data)); err != nil {
		return fmt.Errorf("keyring set %s/%s: %w", service, account, err)
	}
	return k.updateIndex(service, func(keys map[string]struct{}) { keys[account] = struct{}{} })
}

func (k *KeyringStorage) Delete(service, account string) error {
	if err := keyring.Delete(service, account); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNoBlob
		}
		return fmt.Errorf("keyring delete %s/%s: %w", service, account, err)
	}
	return k.updateIndex(service, func(keys map[string]struct{}) { delete(keys, account) })
}

func (k *KeyringStorage) ListKeys(service string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys, err := k.readIndex(service)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func (*KeyringStorage) Name() string { return "keyring" }

func (k *KeyringStorage) updateIndex(service string, update func(map[string]struct{})) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys, err := k.readIndex(service)
	if err != nil {
		return err
	}
	update(keys)
	list := make([]string, 0, len(keys))
	for key := range keys {
		list = append(list, key)
	}
	sort.Strings(list)
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := keyring.Set(service, keyIndexAccount, string(data)); err != nil {
		return fmt.Errorf("keyring index %s: %w", service, err)
	}
	return nil
}

func (*KeyringStorage) readIndex(service string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	raw, err := keyring.Get(service, keyIndexAccount)
	if errors.Is(err, keyring.ErrNotFound) {
		return keys, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring index %s: %w", service, err)
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("keyring index %s is corrupt: %w", service, err)
	}
	for _, key := range list {
		keys[key] = struct{}{}
	}
	return keys, nil
}
