package webauth

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/autherr"
)

// Keys of the broker request and response.
const (
	BrokerKeyAuthority     = "authority"
	BrokerKeyClientID      = "client_id"
	BrokerKeyResource      = "resource"
	BrokerKeyRedirectURI   = "redirect_uri"
	BrokerKeyCorrelationID = "correlation_id"
	BrokerKeyUsername      = "username"
	BrokerKeyExtraQP       = "extra_qp"
	BrokerKeyClaims        = "claims"
	BrokerKeyFingerprint   = "broker_key_fingerprint"
	BrokerKeyPrompt        = "prompt"

	BrokerKeyError        = "error"
	BrokerKeyErrorDesc    = "error_description"
	BrokerKeyErrorSubcode = "error_subcode"
)

// BrokerRequest is what the broker app needs to run the interaction.
type BrokerRequest struct {
	Authority            string
	ClientID             string
	Resource             string
	RedirectURI          string
	CorrelationID        uuid.UUID
	Username             string
	ExtraQueryParameters string
	Claims               string
	Prompt               string
	Fingerprint          string
}

// Values encodes r as broker request parameters.
func (r BrokerRequest) Values() url.Values {
	v := url.Values{}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set(BrokerKeyAuthority, r.Authority)
	set(BrokerKeyClientID, r.ClientID)
	set(BrokerKeyResource, r.Resource)
	set(BrokerKeyRedirectURI, r.RedirectURI)
	set(BrokerKeyCorrelationID, r.CorrelationID.String())
	set(BrokerKeyUsername, r.Username)
	set(BrokerKeyExtraQP, r.ExtraQueryParameters)
	set(BrokerKeyClaims, r.Claims)
	set(BrokerKeyPrompt, r.Prompt)
	set(BrokerKeyFingerprint, r.Fingerprint)
	return v
}

// BrokerTransport hands a request to the broker app. The answer comes back
// separately through Coordinator.HandleBrokerResponse.
type BrokerTransport interface {
	Available() bool
	Invoke(ctx context.Context, req BrokerRequest) error
}

// URLBrokerTransport invokes the broker by opening <scheme>://broker?<request>.
type URLBrokerTransport struct {
	Scheme string
	// Installed reports whether a handler for Scheme exists. Nil means assume yes.
	Installed func() bool
	// Open defaults to auth.OpenBrowser.
	Open func(string) error
}

// Available implements BrokerTransport.
func (t *URLBrokerTransport) Available() bool {
	if t == nil || t.Scheme == "" {
		return false
	}
	return t.Installed == nil || t.Installed()
}

// URL returns the URL that invokes the broker for req.
func (t *URLBrokerTransport) URL(req BrokerRequest) string {
	u := url.URL{Scheme: t.Scheme, Host: "broker", RawQuery: req.Values().Encode()}
	return u.String()
}

// Invoke implements BrokerTransport.
func (t *URLBrokerTransport) Invoke(ctx context.Context, req BrokerRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	open := t.Open
	if open == nil {
		open = auth.OpenBrowser
	}
	if err := open(t.URL(req)); err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	return nil
}

// BrokerResult is a successful broker response.
type BrokerResult struct {
	CorrelationID uuid.UUID
	Authority     string
	ClientID      string
	Token         *auth.TokenResponse
}

// ParseBrokerResponse interprets the values a broker returned. An error
// response becomes an *autherr.Error.
func ParseBrokerResponse(values url.Values, receivedAt time.Time) (*BrokerResult, error) {
	correlationID, err := uuid.Parse(values.Get(BrokerKeyCorrelationID))
	if err != nil {
		return nil, autherr.Broker("broker response has no valid correlation id", err)
	}

	if code := values.Get(BrokerKeyError); code != "" {
		if isCancel(code, values.Get(BrokerKeyErrorSubcode)) {
			return nil, autherr.Cancelled(nil).WithCorrelationID(correlationID)
		}
		e := autherr.Protocol(code, values.Get(BrokerKeyErrorDesc), 0)
		e.Domain = autherr.DomainBroker
		return nil, e.WithCorrelationID(correlationID)
	}

	tok, err := auth.TokenResponseFromValues(values, receivedAt)
	if err != nil {
		return nil, autherr.Broker("broker response is malformed", err).WithCorrelationID(correlationID)
	}
	if tok.AccessToken == "" {
		return nil, autherr.Broker("broker response has no access token", nil).WithCorrelationID(correlationID)
	}
	tok.CorrelationID = correlationID

	return &BrokerResult{
		CorrelationID: correlationID,
		Authority:     values.Get(BrokerKeyAuthority),
		ClientID:      values.Get(BrokerKeyClientID),
		Token:         tok,
	}, nil
}

func isCancel(code, subcode string) bool {
	return code == "user_cancelled" || (code == autherr.ProtocolAccessDenied && subcode == "cancel")
}
