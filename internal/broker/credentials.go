package broker

import "context"

// CredentialProvider supplies bearer tokens for broker calls. Acquisition and
// refresh mechanics live outside this core; the gateway only asks for a valid
// token and reports persistent auth failures via Invalidate.
type CredentialProvider interface {
	// GetValidCredential returns a bearer token for the user/provider pair,
	// refreshing behind the scenes if needed. Returns errs.ErrReauthRequired
	// (possibly wrapped) when no valid token can be produced.
	GetValidCredential(ctx context.Context, userID uint, provider string) (string, error)

	// Invalidate marks the user's credential as unusable after the broker
	// rejected it, forcing the next GetValidCredential to refresh.
	Invalidate(ctx context.Context, userID uint, provider string) error
}

// StaticCredentialProvider serves a single pre-issued token. Used for
// single-tenant deployments and tests; Invalidate is a no-op because there is
// nothing to refresh.
type StaticCredentialProvider struct {
	Token string
}

func (p *StaticCredentialProvider) GetValidCredential(_ context.Context, _ uint, _ string) (string, error) {
	return p.Token, nil
}

func (p *StaticCredentialProvider) Invalidate(_ context.Context, _ uint, _ string) error {
	return nil
}
