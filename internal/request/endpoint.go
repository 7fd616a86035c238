package request

import (
	"context"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/webauth"
)

//go:generate mockgen -destination=mocks/mock_endpoint.go -package=mocks -source=endpoint.go TokenEndpoint,Interactor,EndpointResolver

// TokenEndpoint redeems grants for tokens. *auth.TokenClient implements it.
type TokenEndpoint interface {
	ExchangeCode(ctx context.Context, grant auth.CodeGrant) (*auth.TokenResponse, error)
	RefreshToken(ctx context.Context, grant auth.RefreshGrant) (*auth.TokenResponse, error)
}

// Interactor runs the interactive leg. *webauth.Coordinator implements it.
type Interactor interface {
	Start(ctx context.Context, req webauth.AuthorizationRequest) (*webauth.AuthorizationResponse, error)
	BrokerAvailable() bool
}

// EndpointResolver maps an authority to its endpoints.
// *auth.AuthorityValidator implements it.
type EndpointResolver interface {
	Resolve(ctx context.Context, authority string, validate bool) (*auth.Endpoints, error)
}
