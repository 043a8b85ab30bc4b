// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/stacklok/toolhive-core/env"
)

// Default endpoints.
const (
	DefaultGitHubAPIURL       = "https://api.github.com"
	DefaultGoogleIssuer       = "https://accounts.google.com"
	DefaultDatatrackerIssuer  = "https://auth.ietf.org/api/openid"
	DefaultMicrosoftGraphURL  = "https://graph.microsoft.com/v1.0"
	defaultMockCode           = "ok"
	defaultMockSubject        = "mock-user"
	defaultMockEmail          = "mock-user@example.com"
	defaultMockDisplayName    = "Mock User"
	maxProviderNameLength     = 63
	maxSanitizedErrorBodySize = 256
)

var providerNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ProviderConfig is a tagged union: Type selects the provider kind and only
// the matching variant block may be set.
type ProviderConfig struct {
	// Name identifies the provider in URLs and credential subjects.
	Name string `yaml:"name"`

	Type ProviderType `yaml:"type"`

	ClientID string `yaml:"client_id,omitempty"`

	// ClientSecretEnv names an environment variable holding the secret.
	ClientSecretEnv string `yaml:"client_secret_env,omitempty"`

	// ClientSecretFile is a file holding the secret.
	ClientSecretFile string `yaml:"client_secret_file,omitempty"`

	// ClientSecret is filled by ResolveSecret and never read from YAML.
	ClientSecret string `yaml:"-"`

	// Scopes overrides the provider's default scopes.
	Scopes []string `yaml:"scopes,omitempty"`

	GitHub      *GitHubConfig      `yaml:"github,omitempty"`
	Google      *GoogleConfig      `yaml:"google,omitempty"`
	Microsoft   *MicrosoftConfig   `yaml:"microsoft,omitempty"`
	Datatracker *DatatrackerConfig `yaml:"datatracker,omitempty"`
	Mock        *MockConfig        `yaml:"mock,omitempty"`
}

// GitHubConfig holds GitHub specific settings. Endpoints default to github.com.
type GitHubConfig struct {
	AuthURL  string `yaml:"auth_url,omitempty"`
	TokenURL string `yaml:"token_url,omitempty"`
	APIURL   string `yaml:"api_url,omitempty"`
}

// GoogleConfig holds Google specific settings.
type GoogleConfig struct {
	// Issuer defaults to https://accounts.google.com.
	Issuer string `yaml:"issuer,omitempty"`

	// HostedDomain restricts login to one Google Workspace domain.
	HostedDomain string `yaml:"hosted_domain,omitempty"`
}

// MicrosoftConfig holds Microsoft Entra ID settings.
type MicrosoftConfig struct {
	// Tenant is the directory (tenant) id or domain. Required.
	Tenant string `yaml:"tenant"`

	AuthURL  string `yaml:"auth_url,omitempty"`
	TokenURL string `yaml:"token_url,omitempty"`
	GraphURL string `yaml:"graph_url,omitempty"`
}

// DatatrackerConfig holds IETF Datatracker settings.
type DatatrackerConfig struct {
	// Issuer defaults to https://auth.ietf.org/api/openid.
	Issuer string `yaml:"issuer,omitempty"`
}

// MockConfig configures the deterministic provider.
type MockConfig struct {
	// Users maps accepted authorization codes to the identity they log in as.
	// Defaults to a single user behind the code "ok".
	Users map[string]MockUser `yaml:"users,omitempty"`
}

// MockUser is an identity returned by the mock provider.
type MockUser struct {
	Subject      string   `yaml:"subject"`
	Email        string   `yaml:"email,omitempty"`
	Name         string   `yaml:"name,omitempty"`
	Affiliations []string `yaml:"affiliations,omitempty"`
}

// Validate checks the union fully. It does not touch the network.
func (c *ProviderConfig) Validate() error {
	if c.Name == "" {
		return errors.New("provider name is required")
	}
	if len(c.Name) > maxProviderNameLength || !providerNamePattern.MatchString(c.Name) {
		return fmt.Errorf("provider %q: name must match %s", c.Name, providerNamePattern)
	}
	if c.ClientSecretEnv != "" && c.ClientSecretFile != "" {
		return fmt.Errorf("provider %q: client_secret_env and client_secret_file are mutually exclusive", c.Name)
	}

	blocks := map[ProviderType]bool{
		TypeGitHub:      c.GitHub != nil,
		TypeGoogle:      c.Google != nil,
		TypeMicrosoft:   c.Microsoft != nil,
		TypeDatatracker: c.Datatracker != nil,
		TypeMock:        c.Mock != nil,
	}
	if _, known := blocks[c.Type]; !known {
		return fmt.Errorf("provider %q: unknown type %q", c.Name, c.Type)
	}
	for typ, set := range blocks {
		if set && typ != c.Type {
			return fmt.Errorf("provider %q: %s block is not valid for type %q", c.Name, typ, c.Type)
		}
	}

	switch c.Type {
	case TypeGitHub:
		if c.GitHub != nil {
			return validateURLs(c.Name, c.GitHub.AuthURL, c.GitHub.TokenURL, c.GitHub.APIURL)
		}
	case TypeGoogle:
		if c.Google != nil {
			return validateURLs(c.Name, c.Google.Issuer)
		}
	case TypeMicrosoft:
		if c.Microsoft == nil || c.Microsoft.Tenant == "" {
			return fmt.Errorf("provider %q: microsoft.tenant is required", c.Name)
		}
		return validateURLs(c.Name, c.Microsoft.AuthURL, c.Microsoft.TokenURL, c.Microsoft.GraphURL)
	case TypeDatatracker:
		if c.Datatracker != nil {
			return validateURLs(c.Name, c.Datatracker.Issuer)
		}
	case TypeMock:
		if c.Mock != nil {
			for code, u := range c.Mock.Users {
				if code == "" || u.Subject == "" {
					return fmt.Errorf("provider %q: mock users need a code and a subject", c.Name)
				}
			}
		}
	}
	return nil
}

// ResolveSecret loads ClientSecret from the configured environment variable
// or file. A missing secret is not an error: the provider is then listed as
// unconfigured.
func (c *ProviderConfig) ResolveSecret(envReader env.Reader) error {
	switch {
	case c.ClientSecretEnv != "":
		c.ClientSecret = envReader.Getenv(c.ClientSecretEnv)
	case c.ClientSecretFile != "":
		data, err := os.ReadFile(c.ClientSecretFile)
		if err != nil {
			return fmt.Errorf("provider %q: failed to read client secret file: %w", c.Name, err)
		}
		c.ClientSecret = strings.TrimSpace(string(data))
	}
	return nil
}

// HasCredentials reports whether the provider can be used for logins.
func (c *ProviderConfig) HasCredentials() bool {
	if c.Type == TypeMock {
		return true
	}
	return c.ClientID != "" && c.ClientSecret != ""
}

func validateURLs(name string, urls ...string) error {
	for _, raw := range urls {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("provider %q: invalid endpoint URL %q", name, raw)
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
