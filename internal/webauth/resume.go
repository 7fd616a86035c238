package webauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/cache"
	"github.com/thellimist/oidcauth/internal/user"
)

// Accounts used by ResumeStore under its service.
const (
	pendingAccount  = "broker-pending"
	responseAccount = "broker-response"
)

// PendingBroker is what survives a process exit while the broker app owns
// the interaction.
type PendingBroker struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Fingerprint   string    `json:"fingerprint"`
	Authority     string    `json:"authority"`
	ClientID      string    `json:"client_id"`
	Resource      string    `json:"resource"`
	RedirectURI   string    `json:"redirect_uri"`

	// User is the identifier the request named, if any.
	User      *user.Identifier `json:"user,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type savedResponse struct {
	Pending PendingBroker       `json:"pending"`
	Values  map[string][]string `json:"values"`
	SavedAt time.Time           `json:"saved_at"`
}

// ResumeStore persists the pending broker request and a response that
// arrived after the requesting process went away.
type ResumeStore struct {
	storage cache.SecureStorage
	service string
	now     func() time.Time

	mu sync.Mutex
}

// NewResumeStore returns a ResumeStore keeping its entries under service.
func NewResumeStore(storage cache.SecureStorage, service string) *ResumeStore {
	return &ResumeStore{storage: storage, service: service, now: time.Now}
}

// SavePending records p, replacing any earlier pending request.
func (r *ResumeStore) SavePending(p PendingBroker) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withLock(func() error {
		return r.storage.Set(r.service, pendingAccount, data)
	})
}

// Pending returns the pending request, or nil if there is none.
func (r *ResumeStore) Pending() (*PendingBroker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadPending()
}

// ClearPending forgets the pending request.
func (r *ResumeStore) ClearPending() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withLock(func() error {
		return ignoreNoBlob(r.storage.Delete(r.service, pendingAccount))
	})
}

// SaveResponse validates values against the pending request and persists
// them for a later TakeResponse.
func (r *ResumeStore) SaveResponse(values url.Values) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withLock(func() error {
		pending, err := r.loadPending()
		if err != nil {
			return err
		}
		if pending == nil {
			return autherr.Broker("broker response received but no broker request is pending", nil)
		}
		if err := matchCorrelation(values, pending.CorrelationID); err != nil {
			return err
		}
		data, err := json.Marshal(savedResponse{Pending: *pending, Values: values, SavedAt: r.now().UTC()})
		if err != nil {
			return err
		}
		return r.storage.Set(r.service, responseAccount, data)
	})
}

// TakeResponse returns the saved response and deletes it together with the
// pending request. It returns nil values when nothing is saved, so a second
// call after a successful one finds nothing.
func (r *ResumeStore) TakeResponse() (*PendingBroker, url.Values, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		pending *PendingBroker
		values  url.Values
	)
	err := r.withLock(func() error {
		data, err := r.storage.Get(r.service, responseAccount)
		if errors.Is(err, cache.ErrNoBlob) {
			return nil
		}
		if err != nil {
			return autherr.Cache("read saved broker response", err)
		}
		if err := ignoreNoBlob(r.storage.Delete(r.service, responseAccount)); err != nil {
			return autherr.Cache("delete saved broker response", err)
		}
		_ = ignoreNoBlob(r.storage.Delete(r.service, pendingAccount))

		var saved savedResponse
		if err := json.Unmarshal(data, &saved); err != nil {
			return autherr.Broker("saved broker response is corrupt", err)
		}
		pending = &saved.Pending
		values = url.Values(saved.Values)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pending, values, nil
}

func (r *ResumeStore) loadPending() (*PendingBroker, error) {
	data, err := r.storage.Get(r.service, pendingAccount)
	if errors.Is(err, cache.ErrNoBlob) {
		return nil, nil
	}
	if err != nil {
		return nil, autherr.Cache("read pending broker request", err)
	}
	var p PendingBroker
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, autherr.Broker("pending broker request is corrupt", err)
	}
	return &p, nil
}

// withLock runs fn under the storage's cross-process lock when it has one.
func (r *ResumeStore) withLock(fn func() error) error {
	locker, ok := r.storage.(cache.Locker)
	if !ok {
		return fn()
	}
	unlock, err := locker.Lock(context.Background(), r.service, responseAccount)
	if err != nil {
		return autherr.Cache("lock broker resume state", err)
	}
	defer unlock()
	return fn()
}

func matchCorrelation(values url.Values, want uuid.UUID) error {
	raw := values.Get(BrokerKeyCorrelationID)
	got, err := uuid.Parse(raw)
	if err != nil {
		return autherr.Broker(fmt.Sprintf("broker response has an invalid correlation id %q", raw), err)
	}
	if got != want {
		return autherr.Broker(fmt.Sprintf("broker response correlation id %s does not match pending request %s", got, want), nil).
			WithCorrelationID(want)
	}
	return nil
}

func ignoreNoBlob(err error) error {
	if errors.Is(err, cache.ErrNoBlob) {
		return nil
	}
	return err
}
