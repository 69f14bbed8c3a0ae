package graph

import (
	"context"
	"net/url"

	"github.com/microsoft/kiota-abstractions-go/authentication"
	"golang.org/x/oauth2"
)

// tokenProvider hands the bearer token of an oauth2.TokenSource to the
// Graph request adapter, limited to the hosts of the configured base URL.
type tokenProvider struct {
	tokens oauth2.TokenSource
	hosts  *authentication.AllowedHostsValidator
}

func newTokenProvider(tokens oauth2.TokenSource, hosts ...string) *tokenProvider {
	validator := &authentication.AllowedHostsValidator{}
	validator.SetAllowedHosts(hosts)
	return &tokenProvider{tokens: tokens, hosts: validator}
}

func (p *tokenProvider) GetAuthorizationToken(_ context.Context, uri *url.URL, _ map[string]interface{}) (string, error) {
	if !p.hosts.IsUrlHostValid(uri) {
		return "", nil
	}
	tok, err := p.tokens.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (p *tokenProvider) GetAllowedHostsValidator() *authentication.AllowedHostsValidator {
	return p.hosts
}
