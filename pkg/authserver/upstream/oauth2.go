// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	// DefaultHTTPTimeout bounds every call to a provider.
	DefaultHTTPTimeout = 10 * time.Second

	// maxResponseSize caps how much of a provider response is read.
	maxResponseSize = 1 << 20

	pkceChallengeMethodS256 = "S256"
)

// Option configures providers built by NewProvider.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// WithHTTPClient sets the HTTP client used for all provider calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// baseOAuth2 holds what every code-flow provider shares.
type baseOAuth2 struct {
	name       string
	typ        ProviderType
	config     *oauth2.Config
	httpClient *http.Client
	logger     *slog.Logger
}

func newBaseOAuth2(cfg *ProviderConfig, redirectURL string, endpoint oauth2.Endpoint, scopes []string, o *options) baseOAuth2 {
	if len(cfg.Scopes) > 0 {
		scopes = cfg.Scopes
	}
	// Credentials in the body work with every provider we support.
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return baseOAuth2{
		name: cfg.Name,
		typ:  cfg.Type,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		httpClient: o.httpClient,
		logger:     o.logger.With("provider", cfg.Name),
	}
}

func (b *baseOAuth2) Name() string { return b.name }
func (b *baseOAuth2) Type() ProviderType { return b.typ }

// authCodeURL builds the redirect with optional PKCE and nonce parameters.
func (b *baseOAuth2) authCodeURL(state, codeChallenge, nonce string, extra ...oauth2.AuthCodeOption) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}
	opts := append([]oauth2.AuthCodeOption{}, extra...)
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", pkceChallengeMethodS256),
		)
	}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	return b.config.AuthCodeURL(state, opts...), nil
}

func (b *baseOAuth2) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
}

// ExchangeCode redeems the code at the token endpoint.
func (b *baseOAuth2) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	if code == "" {
		return nil, ErrInvalidAuthorizationCode
	}
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	token, err := b.config.Exchange(b.clientContext(ctx), code, opts...)
	if err != nil {
		return nil, b.classifyExchangeError(err)
	}
	return token, nil
}

// classifyExchangeError separates a rejected code from an unreachable or
// misbehaving provider, logging only a sanitized summary of the response.
func (b *baseOAuth2) classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		b.logger.Warn("token exchange failed", "error", err)
		return fmt.Errorf("%w: token exchange failed", ErrProviderUnavailable)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	b.logger.Warn("token endpoint rejected exchange",
		"status", status,
		"detail", sanitizeErrorBody(re.Body),
	)

	switch {
	case status >= http.StatusInternalServerError,
		re.ErrorCode == "server_error",
		re.ErrorCode == "temporarily_unavailable":
		return fmt.Errorf("%w: token endpoint error", ErrProviderUnavailable)
	case re.ErrorCode != "", status >= http.StatusBadRequest:
		return ErrInvalidAuthorizationCode
	default:
		return fmt.Errorf("%w: malformed token response", ErrProviderUnavailable)
	}
}

// getJSON fetches url with the access token and decodes the JSON body.
func (b *baseOAuth2) getJSON(ctx context.Context, token *oauth2.Token, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	token.SetAuthHeader(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Warn("profile request failed", "url", url, "error", err)
		return fmt.Errorf("%w: request failed", ErrProviderUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: failed to read response", ErrProviderUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		b.logger.Warn("profile request rejected",
			"url", url,
			"status", resp.StatusCode,
			"detail", sanitizeErrorBody(body),
		)
		return fmt.Errorf("%w: profile endpoint returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: malformed profile response", ErrProviderUnavailable)
	}
	return nil
}

// sanitizeErrorBody keeps only the OAuth error code and description of a
// provider response. Anything else, including tokens and profile data that a
// misbehaving provider might echo back, is dropped.
func sanitizeErrorBody(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return "<non-json body omitted>"
	}
	res := gjson.GetManyBytes(body, "error", "error_description", "message")

	var parts []string
	if code := res[0].String(); code != "" {
		parts = append(parts, "error="+code)
	}
	if desc := res[1].String(); desc != "" {
		parts = append(parts, "error_description="+desc)
	} else if msg := res[2].String(); msg != "" {
		parts = append(parts, "message="+msg)
	}
	if len(parts) == 0 {
		return "<no error fields>"
	}

	out := strings.Join(parts, " ")
	if len(out) > maxSanitizedErrorBodySize {
		cut := maxSanitizedErrorBodySize
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "..."
	}
	return out
}
