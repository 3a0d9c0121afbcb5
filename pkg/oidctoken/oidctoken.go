// Package oidctoken exchanges a CI workflow's OIDC identity for a
// short-lived npm publish token.
//
// The exchange has two legs. First, the CI provider's token endpoint is
// asked for an ID token scoped to the registry audience, authenticated with
// the workflow's request token. Second, the registry trades that ID token
// for a publish token bound to one package. Neither credential is logged.
package oidctoken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
)

const (
	DefaultAudience = "npm:registry.npmjs.org"
	DefaultRegistry = "https://registry.npmjs.org"

	// GitHubIssuer is the issuer of GitHub Actions ID tokens.
	GitHubIssuer = "https://token.actions.githubusercontent.com"

	exchangePath = "/-/npm/v1/oidc/token/exchange/package/"

	// Cap on response bodies read from either endpoint.
	maxBody = 1 << 20
)

// Exchanger performs the token exchange. Create instances with [New].
type Exchanger struct {
	client   *http.Client
	registry string
	audience string
	verifier *oidc.IDTokenVerifier
	logger   *slog.Logger
}

// Option configures an [Exchanger].
type Option func(*Exchanger)

// WithHTTPClient sets the base client used for both legs.
func WithHTTPClient(c *http.Client) Option {
	return func(x *Exchanger) {
		x.client = c
	}
}

// WithRegistry sets the registry performing the second leg.
func WithRegistry(registry string) Option {
	return func(x *Exchanger) {
		x.registry = strings.TrimSuffix(registry, "/")
	}
}

// WithAudience sets the audience requested for the ID token.
func WithAudience(audience string) Option {
	return func(x *Exchanger) {
		x.audience = audience
	}
}

// WithVerifier verifies ID tokens with v before handing them to the
// registry.
func WithVerifier(v *oidc.IDTokenVerifier) Option {
	return func(x *Exchanger) {
		x.verifier = v
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Exchanger) {
		x.logger = l
	}
}

// New creates an [Exchanger].
func New(opts ...Option) *Exchanger {
	x := &Exchanger{
		client:   http.DefaultClient,
		registry: DefaultRegistry,
		audience: DefaultAudience,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}

	return x
}

// NewIssuerVerifier discovers issuer and returns a verifier accepting ID
// tokens for audience.
func NewIssuerVerifier(ctx context.Context, issuer, audience string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	return provider.Verifier(&oidc.Config{ClientID: audience}), nil
}

// Exchange trades the workflow's request token for a publish token for
// pkg. requestURL and requestToken are the CI provider's ID token endpoint
// and bearer token (ACTIONS_ID_TOKEN_REQUEST_URL and
// ACTIONS_ID_TOKEN_REQUEST_TOKEN on GitHub Actions). Every failure wraps
// [failure.ErrAuthentication].
func (x *Exchanger) Exchange(ctx context.Context, requestURL string, requestToken *engine.Secret, pkg string) (*engine.Secret, error) {
	idToken, err := x.idToken(ctx, requestURL, requestToken)
	if err != nil {
		return nil, fmt.Errorf("%w: request id token: %w", failure.ErrAuthentication, err)
	}

	if x.verifier != nil {
		if _, err := x.verifier.Verify(ctx, idToken); err != nil {
			return nil, fmt.Errorf("%w: verify id token: %w", failure.ErrAuthentication, err)
		}
	}

	token, err := x.publishToken(ctx, idToken, pkg)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange id token for %s: %w", failure.ErrAuthentication, pkg, err)
	}

	x.logger.Info("exchanged oidc token", slog.String("package", pkg))

	return engine.NewSecret("npm-oidc-"+pkg, token), nil
}

func (x *Exchanger) idToken(ctx context.Context, requestURL string, requestToken *engine.Secret) (string, error) {
	if requestURL == "" || requestToken.Empty() {
		return "", fmt.Errorf("missing request url or token")
	}

	u, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	q := u.Query()
	q.Set("audience", x.audience)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return "", err
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := x.do(ctx, requestToken.Plaintext(), req, &body); err != nil {
		return "", err
	}
	if body.Value == "" {
		return "", fmt.Errorf("empty id token")
	}

	return body.Value, nil
}

func (x *Exchanger) publishToken(ctx context.Context, idToken, pkg string) (string, error) {
	endpoint := x.registry + exchangePath + url.PathEscape(pkg)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, http.NoBody)
	if err != nil {
		return "", err
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := x.do(ctx, idToken, req, &body); err != nil {
		return "", err
	}
	if body.Token == "" {
		return "", fmt.Errorf("empty publish token")
	}

	return body.Token, nil
}

// do sends req with bearer authorization and decodes a JSON response
// into v.
func (x *Exchanger) do(ctx context.Context, bearer string, req *http.Request, v any) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, x.client)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: bearer,
		TokenType:   "Bearer",
	}))

	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, redactURL(req.URL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %s: %s",
			req.Method, redactURL(req.URL), resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// redactURL drops the query, which may carry CI-provided tokens.
func redactURL(u *url.URL) string {
	r := *u
	r.RawQuery = ""

	return r.String()
}
