// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"

	. "github.com/onsi/gomega"

	"github.com/stacklok/authd/pkg/authserver"
)

const serverConfig = `
credential:
  audiences: [datatracker]
  ttl: 15m
signing:
  type: ephemeral
auto_approve:
  enabled: true
  domain_roles:
    ietf.org: [admin]
providers:
  - name: mock
    type: mock
    mock:
      users:
        ok:
          subject: alice
          email: alice@example.org
          name: Alice
        admin:
          subject: root
          email: root@ietf.org
          name: Root
`

// authServer is an in-process authd listening on a loopback port.
type authServer struct {
	URL    string
	srv    *authserver.Server
	ts     *httptest.Server
	client *http.Client
}

// startAuthServer starts a server whose issuer is its own listen URL. The
// handler is bound after the listener exists so the URL can go into the
// configuration.
func startAuthServer(ctx context.Context) *authServer {
	var handler atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Load().(http.Handler).ServeHTTP(w, r)
	}))

	doc := fmt.Sprintf("issuer: %s\n%s", ts.URL, serverConfig)
	cfg, err := authserver.ParseConfig([]byte(doc), nil)
	Expect(err).ToNot(HaveOccurred())

	srv, err := authserver.New(ctx, cfg)
	Expect(err).ToNot(HaveOccurred())
	handler.Store(srv.Handler())

	return &authServer{
		URL: ts.URL,
		srv: srv,
		ts:  ts,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (a *authServer) Close() {
	a.ts.Close()
	Expect(a.srv.Close()).To(Succeed())
}

// request sends a request and returns the status and body.
func (a *authServer) request(method, path, body, token string) (int, []byte) {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.URL+path, rd)
	Expect(err).ToNot(HaveOccurred())
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.client.Do(req)
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	Expect(err).ToNot(HaveOccurred())
	return resp.StatusCode, data
}

// beginLogin follows /login and returns the callback URL the provider
// redirected to, with the authorization code replaced by code.
func (a *authServer) beginLogin(code string) string {
	resp, err := a.client.Get(a.URL + "/login?provider=mock")
	Expect(err).ToNot(HaveOccurred())
	_ = resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusFound))

	loc, err := url.Parse(resp.Header.Get("Location"))
	Expect(err).ToNot(HaveOccurred())
	Expect(loc.Path).To(Equal(authserver.CallbackPath))
	q := loc.Query()
	q.Set("code", code)
	loc.RawQuery = q.Encode()
	return loc.String()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// callback completes a login and returns the response and decoded token.
func (a *authServer) callback(target string) (*http.Response, tokenResponse) {
	resp, err := a.client.Get(target)
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()

	var tok tokenResponse
	if resp.StatusCode == http.StatusOK {
		Expect(json.NewDecoder(resp.Body).Decode(&tok)).To(Succeed())
	}
	return resp, tok
}

func (a *authServer) login(code string) string {
	resp, tok := a.callback(a.beginLogin(code))
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	return tok.AccessToken
}
