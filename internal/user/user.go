// Package user describes the signed-in principal and how a request names the
// user it wants a token for.
package user

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// IdentifierType selects how an Identifier is matched against cached users.
type IdentifierType int

const (
	// UniqueID matches the immutable object id returned by the server.
	UniqueID IdentifierType = iota
	// OptionalDisplayableID is a login hint; a cached user with another
	// displayable id may still be used.
	OptionalDisplayableID
	// RequiredDisplayableID must match the cached and the signed-in user.
	RequiredDisplayableID
)

func (t IdentifierType) String() string {
	switch t {
	case UniqueID:
		return "unique_id"
	case OptionalDisplayableID:
		return "optional_displayable_id"
	case RequiredDisplayableID:
		return "required_displayable_id"
	default:
		return fmt.Sprintf("IdentifierType(%d)", int(t))
	}
}

// ParseIdentifierType parses the String form of an IdentifierType.
func ParseIdentifierType(s string) (IdentifierType, error) {
	switch strings.ToLower(s) {
	case "unique_id", "unique":
		return UniqueID, nil
	case "optional_displayable_id", "optional", "":
		return OptionalDisplayableID, nil
	case "required_displayable_id", "required":
		return RequiredDisplayableID, nil
	}
	return 0, fmt.Errorf("unknown user identifier type %q", s)
}

// Identifier names the user a request is for.
type Identifier struct {
	ID   string         `json:"id"`
	Type IdentifierType `json:"type"`
}

// NewIdentifier returns an Identifier of type t.
func NewIdentifier(id string, t IdentifierType) *Identifier {
	return &Identifier{ID: id, Type: t}
}

// IsDisplayable reports whether the identifier carries a displayable id.
func (i *Identifier) IsDisplayable() bool {
	return i != nil && i.Type != UniqueID
}

// LoginHint returns the value for the login_hint authorization parameter.
func (i *Identifier) LoginHint() string {
	if i.IsDisplayable() {
		return i.ID
	}
	return ""
}

// Matches reports whether u satisfies the identifier strictly: unique ids
// compare exactly, displayable ids case-insensitively.
func (i *Identifier) Matches(u Info) bool {
	if i == nil {
		return true
	}
	if i.Type == UniqueID {
		return i.ID == u.UniqueID
	}
	return strings.EqualFold(i.ID, u.DisplayableID)
}

func (i *Identifier) String() string {
	if i == nil {
		return "<any>"
	}
	return i.Type.String() + ":" + i.ID
}

// Info is the identity of a signed-in user.
type Info struct {
	UniqueID         string `json:"unique_id"`
	DisplayableID    string `json:"displayable_id"`
	GivenName        string `json:"given_name,omitempty"`
	FamilyName       string `json:"family_name,omitempty"`
	TenantID         string `json:"tenant_id,omitempty"`
	IdentityProvider string `json:"identity_provider,omitempty"`
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	ObjectID          string `json:"oid"`
	UPN               string `json:"upn"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	UniqueName        string `json:"unique_name"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	TenantID          string `json:"tid"`
	IdentityProvider  string `json:"idp"`
}

// FromIDToken extracts user identity from an id_token. The signature is not
// verified; the claims only label cache entries.
func FromIDToken(idToken string) (Info, error) {
	if idToken == "" {
		return Info{}, fmt.Errorf("empty id_token")
	}
	var claims idTokenClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, &claims); err != nil {
		return Info{}, fmt.Errorf("parse id_token: %w", err)
	}

	info := Info{
		UniqueID:         firstNonEmpty(claims.ObjectID, claims.Subject),
		DisplayableID:    firstNonEmpty(claims.UPN, claims.Email, claims.PreferredUsername, claims.UniqueName),
		GivenName:        claims.GivenName,
		FamilyName:       claims.FamilyName,
		TenantID:         claims.TenantID,
		IdentityProvider: firstNonEmpty(claims.IdentityProvider, claims.Issuer),
	}
	if info.UniqueID == "" {
		return Info{}, fmt.Errorf("id_token has neither oid nor sub")
	}
	return info, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
