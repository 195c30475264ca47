package auth

import (
	"context"
	"net/http"

	"google.golang.org/api/option"
)

// ServiceRuntime hands API packages authenticated clients without them
// knowing about accounts, stores or OAuth.
type ServiceRuntime struct {
	factory *Factory
}

// NewServiceRuntime wraps factory.
func NewServiceRuntime(factory *Factory) *ServiceRuntime {
	return &ServiceRuntime{factory: factory}
}

// Client returns an authenticated HTTP client for scopes.
func (r *ServiceRuntime) Client(ctx context.Context, scopes []string) (*http.Client, error) {
	return r.factory.HTTPClient(ctx, scopes)
}

// ClientOptions returns options for a google.golang.org/api service
// constructor, e.g. gmail.NewService(ctx, opts...).
func (r *ServiceRuntime) ClientOptions(ctx context.Context, scopes []string) ([]option.ClientOption, error) {
	c, err := r.Client(ctx, scopes)
	if err != nil {
		return nil, err
	}

	return []option.ClientOption{option.WithHTTPClient(c)}, nil
}

// ServiceOptions is ClientOptions for named services.
func (r *ServiceRuntime) ServiceOptions(ctx context.Context, services ...string) ([]option.ClientOption, error) {
	scopes, err := ScopesFor(services)
	if err != nil {
		return nil, err
	}

	return r.ClientOptions(ctx, scopes)
}
