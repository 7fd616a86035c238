package request

import (
	"strings"

	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/autherr"
	"github.com/thellimist/oidcauth/internal/cache"
	"github.com/thellimist/oidcauth/internal/user"
)

// RecordFromResponse builds the cache record for a token response issued for
// p. prev is the record whose refresh token was redeemed, if any; its user and
// refresh token fill in what the response leaves out.
func RecordFromResponse(p Parameters, resp *auth.TokenResponse, prev *cache.TokenRecord, log *zap.SugaredLogger) cache.TokenRecord {
	rec := cache.TokenRecord{
		Authority:         p.Authority,
		ClientID:          p.ClientID,
		Resource:          p.Resource,
		AccessToken:       resp.AccessToken,
		AccessTokenType:   resp.TokenType,
		RefreshToken:      resp.RefreshToken,
		IDToken:           resp.IDToken,
		ExpiresOn:         resp.ExpiresOn(),
		ExtendedExpiresOn: resp.ExtendedExpiresOn(),
		MultiResource:     resp.IsMultiResource(),
		FamilyID:          resp.FamilyID,
		CorrelationID:     resp.CorrelationID,
	}

	if resp.IDToken != "" {
		info, err := user.FromIDToken(resp.IDToken)
		if err != nil {
			log.Warnw("Ignoring unreadable id_token", "correlation_id", resp.CorrelationID, "error", err)
		} else {
			rec.UserID = info.UniqueID
			rec.DisplayableID = info.DisplayableID
		}
	}

	if prev != nil {
		if rec.UserID == "" {
			rec.UserID = prev.UserID
			rec.DisplayableID = prev.DisplayableID
		}
		if rec.IDToken == "" {
			rec.IDToken = prev.IDToken
		}
		// A refresh response may omit the refresh token; the redeemed one
		// stays valid for the exact record.
		if rec.RefreshToken == "" && !prev.IsMRRT() && !prev.IsFRT() {
			rec.RefreshToken = prev.RefreshToken
		}
	}

	if rec.UserID == "" && p.User != nil && p.User.Type == user.UniqueID {
		rec.UserID = p.User.ID
	}
	if rec.DisplayableID == "" && p.User != nil && p.User.Type == user.OptionalDisplayableID {
		rec.DisplayableID = p.User.ID
	}
	return rec
}

// CheckUser enforces a required displayable id against the signed-in user.
func CheckUser(p Parameters, rec cache.TokenRecord) error {
	if p.User == nil || p.User.Type != user.RequiredDisplayableID {
		return nil
	}
	if !strings.EqualFold(p.User.ID, rec.DisplayableID) {
		return autherr.WrongUser(p.User.ID, rec.DisplayableID)
	}
	return nil
}
