package cache

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/logger"
	"github.com/thellimist/oidcauth/internal/user"
)

// CandidateKind says which kind of refresh token a Candidate carries.
type CandidateKind int

const (
	// CandidateExact is the refresh token stored with the exact access token record.
	CandidateExact CandidateKind = iota
	// CandidateMRRT is a multi-resource refresh token for the client.
	CandidateMRRT
	// CandidateFRT is a family refresh token shared across clients.
	CandidateFRT
)

func (k CandidateKind) String() string {
	switch k {
	case CandidateExact:
		return "exact"
	case CandidateMRRT:
		return "mrrt"
	case CandidateFRT:
		return "frt"
	}
	return fmt.Sprintf("CandidateKind(%d)", int(k))
}

// Candidate is a refresh token found for a query.
type Candidate struct {
	Record TokenRecord
	Kind   CandidateKind
}

// Query identifies the token a request needs.
type Query struct {
	Authority string
	ClientID  string
	Resource  string
	User      *user.Identifier
}

// Accessor implements token lookup and update policy on top of a Store.
type Accessor struct {
	store         *Store
	familyRefresh bool
	log           *zap.SugaredLogger
}

// AccessorOption configures an Accessor.
type AccessorOption func(*Accessor)

// WithFamilyRefresh enables family refresh token lookups.
func WithFamilyRefresh(enabled bool) AccessorOption {
	return func(a *Accessor) { a.familyRefresh = enabled }
}

// WithAccessorLogger sets the logger.
func WithAccessorLogger(l *zap.SugaredLogger) AccessorOption {
	return func(a *Accessor) { a.log = l }
}

// NewAccessor returns an Accessor over store.
func NewAccessor(store *Store, opts ...AccessorOption) *Accessor {
	a := &Accessor{store: store}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = logger.Get()
	}
	return a
}

// Store returns the underlying store.
func (a *Accessor) Store() *Store {
	return a.store
}

// FamilyRefreshEnabled reports whether FRT lookups are enabled.
func (a *Accessor) FamilyRefreshEnabled() bool {
	return a.familyRefresh
}

// LookupAccessToken returns the access token record at q's exact identity.
// Expiry is not considered. A nil record with a nil error is a miss; an
// error that is not a cache error explains why the lookup missed.
func (a *Accessor) LookupAccessToken(q Query) (*TokenRecord, error) {
	authority := NormalizeAuthority(q.Authority)
	records, err := a.store.Find(func(r TokenRecord) bool {
		return r.Resource != "" && r.Resource == q.Resource &&
			r.ClientID == q.ClientID && NormalizeAuthority(r.Authority) == authority &&
			r.AccessToken != ""
	})
	if err != nil {
		return nil, err
	}
	return matchUser(records, q.User)
}

// LookupExactRefresh returns a refresh token stored with q's exact access token record.
func (a *Accessor) LookupExactRefresh(q Query) (*TokenRecord, error) {
	authority := NormalizeAuthority(q.Authority)
	records, err := a.store.Find(func(r TokenRecord) bool {
		return r.Resource != "" && r.Resource == q.Resource &&
			r.ClientID == q.ClientID && NormalizeAuthority(r.Authority) == authority &&
			r.RefreshToken != ""
	})
	if err != nil {
		return nil, err
	}
	return matchUser(records, q.User)
}

// LookupMRRT returns the multi-resource refresh token for q's authority, client and user.
func (a *Accessor) LookupMRRT(q Query) (*TokenRecord, error) {
	authority := NormalizeAuthority(q.Authority)
	records, err := a.store.Find(func(r TokenRecord) bool {
		return r.IsMRRT() && r.ClientID == q.ClientID && NormalizeAuthority(r.Authority) == authority
	})
	if err != nil {
		return nil, err
	}
	return matchUser(records, q.User)
}

// LookupFRT returns a family refresh token for q's authority and user, for any client.
func (a *Accessor) LookupFRT(q Query) (*TokenRecord, error) {
	authority := NormalizeAuthority(q.Authority)
	records, err := a.store.Find(func(r TokenRecord) bool {
		return r.IsFRT() && r.RefreshToken != "" && NormalizeAuthority(r.Authority) == authority
	})
	if err != nil {
		return nil, err
	}
	return matchUser(records, q.User)
}

type lookupStep struct {
	kind   CandidateKind
	lookup func(Query) (*TokenRecord, error)
}

// LookupRefreshCandidate searches for a refresh token, widening the search at
// each step: exact record, client MRRT, then family FRT when enabled.
func (a *Accessor) LookupRefreshCandidate(q Query) (*Candidate, error) {
	steps := []lookupStep{
		{CandidateExact, a.LookupExactRefresh},
		{CandidateMRRT, a.LookupMRRT},
	}
	if a.familyRefresh {
		steps = append(steps, lookupStep{CandidateFRT, a.LookupFRT})
	}

	var reason error
	for _, step := range steps {
		rec, err := step.lookup(q)
		if autherr.IsCache(err) {
			return nil, err
		}
		if err != nil && reason == nil {
			reason = err
		}
		if rec != nil {
			a.log.Debugw("Found refresh token candidate", "kind", step.kind.String(), "client_id", q.ClientID, "resource", q.Resource)
			return &Candidate{Record: *rec, Kind: step.kind}, nil
		}
	}
	return nil, reason
}

// UpdateCache stores a freshly issued token. The access token record is
// written at its exact identity; multi-resource and family refresh tokens are
// also written to their broader records. All writes happen in one critical
// section.
func (a *Accessor) UpdateCache(rec TokenRecord) error {
	if rec.Authority == "" || rec.ClientID == "" {
		return autherr.Cache("update", fmt.Errorf("record has no authority or client id"))
	}

	var writes []TokenRecord
	hasRT := rec.RefreshToken != ""
	if rec.MultiResource && hasRT {
		writes = append(writes, rec.mrrtSibling())
	}
	if rec.FamilyID != "" && hasRT {
		writes = append(writes, rec.frtSibling())
	}
	if rec.Resource != "" && rec.AccessToken != "" {
		at := rec
		if at.MultiResource && hasRT {
			// Only the MRRT record holds a multi-resource refresh token.
			at.RefreshToken = ""
		}
		writes = append(writes, at)
	}
	if len(writes) == 0 {
		return nil
	}
	return a.store.Put(writes...)
}

// AllItems returns every record in the cache.
func (a *Accessor) AllItems() ([]TokenRecord, error) {
	return a.store.AllItems()
}

// RemoveItem removes a single record.
func (a *Accessor) RemoveItem(rec TokenRecord) error {
	return a.store.RemoveItem(rec)
}

// RemoveAllForUser removes every record of userID. A non-empty clientID
// restricts removal to that client.
func (a *Accessor) RemoveAllForUser(userID, clientID string) (int, error) {
	if userID == "" {
		return 0, autherr.InvalidArgument("userID", "must not be empty")
	}
	return a.store.RemoveWhere(func(r TokenRecord) bool {
		return r.UserID == userID && (clientID == "" || r.ClientID == clientID)
	})
}

// RemoveAllForClient removes every record of clientID.
func (a *Accessor) RemoveAllForClient(clientID string) (int, error) {
	if clientID == "" {
		return 0, autherr.InvalidArgument("clientID", "must not be empty")
	}
	return a.store.RemoveWhere(func(r TokenRecord) bool {
		return r.ClientID == clientID
	})
}

// Clear removes every record.
func (a *Accessor) Clear() (int, error) {
	return a.store.RemoveWhere(func(TokenRecord) bool { return true })
}

// matchUser picks the record of the requested user from records that already
// match on authority, client and resource.
func matchUser(records []TokenRecord, id *user.Identifier) (*TokenRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}

	if id == nil {
		if distinctUsers(records) > 1 {
			return nil, multipleUsers()
		}
		return &records[0], nil
	}

	for i := range records {
		if id.Matches(records[i].User()) {
			return &records[i], nil
		}
	}

	// A displayable id that is only a hint still selects the sole cached user.
	if id.Type == user.OptionalDisplayableID && distinctUsers(records) == 1 {
		return &records[0], nil
	}
	return nil, nil
}

func distinctUsers(records []TokenRecord) int {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		seen[strings.ToLower(r.UserID)] = struct{}{}
	}
	return len(seen)
}

func multipleUsers() *autherr.Error {
	e := autherr.UserInputNeeded("the cache holds tokens for more than one user; specify a user")
	e.ProtocolCode = autherr.ProtocolMultipleUsers
	return e
}
