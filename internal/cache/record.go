// Package cache is the token cache: an in-memory record table guarded by a
// reader/writer lock, synchronized with a secure persistence backend through
// delegate hooks, and an Accessor that maps authority, client, resource and
// user onto lookups and writes.
package cache

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thellimist/oidcauth/internal/user"
)

// ExpirationSkew is subtracted from a token's lifetime when deciding whether
// it is still usable.
const ExpirationSkew = 5 * time.Minute

// familyClientPrefix keys family refresh token records in place of a client id.
const familyClientPrefix = "foci-"

// Key is the identity of a cache record.
type Key struct {
	Authority string `json:"authority"`
	ClientID  string `json:"client_id"`
	Resource  string `json:"resource"`
	UserID    string `json:"user_id"`
}

// NormalizeAuthority lowercases the authority and strips trailing slashes.
func NormalizeAuthority(authority string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(authority)), "/")
}

func (k Key) normalized() Key {
	k.Authority = NormalizeAuthority(k.Authority)
	return k
}

// TokenRecord is one cached credential.
type TokenRecord struct {
	Authority       string `json:"authority"`
	ClientID        string `json:"client_id"`
	Resource        string `json:"resource,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	DisplayableID   string `json:"displayable_id,omitempty"`
	AccessToken     string `json:"access_token,omitempty"`
	AccessTokenType string `json:"access_token_type,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IDToken         string `json:"id_token,omitempty"`

	ExpiresOn         time.Time `json:"expires_on"`
	ExtendedExpiresOn time.Time `json:"extended_expires_on,omitzero"`

	// MultiResource marks RefreshToken as usable for any resource of the same
	// authority and client.
	MultiResource bool `json:"multi_resource,omitempty"`
	// FamilyID is set when RefreshToken is shared by a family of clients.
	FamilyID string `json:"family_id,omitempty"`

	CorrelationID uuid.UUID `json:"correlation_id,omitzero"`
}

// Key returns the record's identity.
func (r TokenRecord) Key() Key {
	return Key{
		Authority: NormalizeAuthority(r.Authority),
		ClientID:  r.ClientID,
		Resource:  r.Resource,
		UserID:    r.UserID,
	}
}

// User returns the identity stored with the record.
func (r TokenRecord) User() user.Info {
	return user.Info{UniqueID: r.UserID, DisplayableID: r.DisplayableID}
}

// IsMRRT reports whether the record is a stored multi-resource refresh token.
func (r TokenRecord) IsMRRT() bool {
	return r.Resource == "" && r.MultiResource && r.RefreshToken != "" && !r.IsFRT()
}

// IsFRT reports whether the record is a stored family refresh token.
func (r TokenRecord) IsFRT() bool {
	return r.Resource == "" && strings.HasPrefix(r.ClientID, familyClientPrefix)
}

// IsExpired reports whether the access token is unusable at now.
func (r TokenRecord) IsExpired(now time.Time) bool {
	if r.AccessToken == "" {
		return true
	}
	return !now.Add(ExpirationSkew).Before(r.ExpiresOn)
}

// IsExtendedLifetimeValid reports whether the access token may still be served
// while the token endpoint is unavailable.
func (r TokenRecord) IsExtendedLifetimeValid(now time.Time) bool {
	return r.AccessToken != "" && !r.ExtendedExpiresOn.IsZero() && now.Before(r.ExtendedExpiresOn)
}

// mrrtSibling returns the broad multi-resource record derived from r.
func (r TokenRecord) mrrtSibling() TokenRecord {
	return TokenRecord{
		Authority:     r.Authority,
		ClientID:      r.ClientID,
		UserID:        r.UserID,
		DisplayableID: r.DisplayableID,
		RefreshToken:  r.RefreshToken,
		IDToken:       r.IDToken,
		MultiResource: true,
		FamilyID:      r.FamilyID,
		CorrelationID: r.CorrelationID,
	}
}

// frtSibling returns the family record derived from r.
func (r TokenRecord) frtSibling() TokenRecord {
	s := r.mrrtSibling()
	s.ClientID = FamilyClientID(r.FamilyID)
	return s
}

// FamilyClientID is the client id under which a family's refresh token is stored.
func FamilyClientID(familyID string) string {
	return familyClientPrefix + familyID
}
