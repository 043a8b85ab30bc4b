// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestMicrosoftProvider(t *testing.T) {
	t.Parallel()

	t.Run("tenant is required", func(t *testing.T) {
		t.Parallel()
		_, err := NewMicrosoftProvider(&ProviderConfig{Name: "ms", Type: TypeMicrosoft}, testRedirectURI)
		require.Error(t, err)
	})

	t.Run("default endpoints are tenant scoped", func(t *testing.T) {
		t.Parallel()
		p, err := NewMicrosoftProvider(&ProviderConfig{
			Name: "ms", Type: TypeMicrosoft, ClientID: testClientID, ClientSecret: testClientSecret,
			Microsoft: &MicrosoftConfig{Tenant: "contoso.onmicrosoft.com"},
		}, testRedirectURI)
		require.NoError(t, err)

		raw, err := p.AuthorizationURL("st", "ch", "")
		require.NoError(t, err)
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "login.microsoftonline.com", u.Host)
		assert.True(t, strings.HasPrefix(u.Path, "/contoso.onmicrosoft.com/"))
		assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	})

	t.Run("profile from graph", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1.0/me" || r.Header.Get("Authorization") != "Bearer graph-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"0f7c","displayName":"Mia","mail":null,"userPrincipalName":"mia@contoso.example"}`))
		}))
		t.Cleanup(srv.Close)

		p, err := NewMicrosoftProvider(&ProviderConfig{
			Name: "contoso", Type: TypeMicrosoft, ClientID: testClientID, ClientSecret: testClientSecret,
			Microsoft: &MicrosoftConfig{Tenant: "tenant-guid", GraphURL: srv.URL + "/v1.0/"},
		}, testRedirectURI, WithHTTPClient(srv.Client()))
		require.NoError(t, err)

		claim, err := p.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "graph-token"}, "")
		require.NoError(t, err)
		assert.Equal(t, "contoso:0f7c", claim.Subject())
		assert.Equal(t, "mia@contoso.example", claim.Email)
		assert.Equal(t, "Mia", claim.DisplayName)
		assert.Equal(t, []string{"tenant-guid"}, claim.Affiliations)

		_, err = p.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "expired"}, "")
		require.ErrorIs(t, err, ErrProviderUnavailable)
	})
}
