// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/stacklok/toolhive-core/env"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/authd/pkg/authserver/credential"
	"github.com/stacklok/authd/pkg/authserver/keys"
	"github.com/stacklok/authd/pkg/authserver/rbac"
	"github.com/stacklok/authd/pkg/authserver/state"
	"github.com/stacklok/authd/pkg/authserver/storage"
	"github.com/stacklok/authd/pkg/authserver/upstream"
	"github.com/stacklok/authd/pkg/telemetry"
)

// Defaults applied to zero-valued fields.
const (
	DefaultListenAddress   = ":8080"
	DefaultLoginsPerMinute = 30
	CallbackPath           = "/callback"
)

// Config is the file-backed configuration of the auth server.
type Config struct {
	// Issuer is the iss claim of issued credentials.
	Issuer string `yaml:"issuer"`

	// PublicURL is the externally reachable base URL used to build the
	// provider callback. Defaults to Issuer.
	PublicURL string `yaml:"public_url,omitempty"`

	ListenAddress string `yaml:"listen_address,omitempty"`

	Credential  credential.Config      `yaml:"credential"`
	State       state.Config           `yaml:"state,omitempty"`
	Signing     keys.Config            `yaml:"signing"`
	Roles       rbac.Config            `yaml:"roles,omitempty"`
	Redis       *storage.RedisConfig   `yaml:"redis,omitempty"`
	AutoApprove rbac.AutoApprovePolicy `yaml:"auto_approve,omitempty"`
	Cookie      CookieConfig           `yaml:"cookie,omitempty"`
	RateLimit   RateLimitConfig        `yaml:"rate_limit,omitempty"`
	Metrics     telemetry.Config       `yaml:"metrics,omitempty"`

	Providers []upstream.ProviderConfig `yaml:"providers"`
}

// CookieConfig controls the credential cookie.
type CookieConfig struct {
	// Insecure drops the Secure attribute so the cookie is sent over plain
	// HTTP. Local development only.
	Insecure bool   `yaml:"insecure,omitempty"`
	Domain   string `yaml:"domain,omitempty"`
}

// RateLimitConfig bounds login attempts per client address.
type RateLimitConfig struct {
	// LoginPerMinute is the /login budget per client. Negative disables it.
	LoginPerMinute int `yaml:"login_per_minute,omitempty"`
}

// DefaultConfig returns the values merged into every loaded configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress: DefaultListenAddress,
		Credential:    credential.Config{TTL: credential.DefaultTTL},
		State:         state.Config{Backend: storage.TypeMemory, TTL: state.DefaultTTL},
		Roles:         rbac.Config{Backend: storage.TypeMemory},
		RateLimit:     RateLimitConfig{LoginPerMinute: DefaultLoginsPerMinute},
	}
}

// LoadConfig reads, defaults, resolves and validates the configuration at
// path. Unknown YAML fields are rejected.
func LoadConfig(path string, envReader env.Reader) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is provided by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data, envReader)
}

// ParseConfig is LoadConfig over an in-memory document.
func ParseConfig(data []byte, envReader env.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.ResolveSecrets(envReader); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. Values set in the file win.
func (c *Config) ApplyDefaults() error {
	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	if c.PublicURL == "" {
		c.PublicURL = c.Issuer
	}
	c.PublicURL = strings.TrimSuffix(c.PublicURL, "/")
	c.Credential.Issuer = c.Issuer
	if c.Redis != nil && c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = storage.DefaultKeyPrefix
	}
	return nil
}

// ResolveSecrets loads the secrets referenced by environment variable or
// file. Secrets are never read from the YAML document itself.
func (c *Config) ResolveSecrets(envReader env.Reader) error {
	if envReader == nil {
		envReader = &env.OSReader{}
	}
	if c.Redis != nil && c.Redis.PasswordEnv != "" {
		c.Redis.Password = envReader.Getenv(c.Redis.PasswordEnv)
	}
	for i := range c.Providers {
		if err := c.Providers[i].ResolveSecret(envReader); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects incomplete or contradictory configuration. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []error

	if err := validateBaseURL("issuer", c.Issuer); err != nil {
		errs = append(errs, err)
	}
	if err := validateBaseURL("public_url", c.PublicURL); err != nil {
		errs = append(errs, err)
	}
	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listen_address is required"))
	}

	cred := c.Credential
	cred.Issuer = c.Issuer
	errs = append(errs, cred.Validate(), c.State.Validate(), c.Roles.Validate(), c.Signing.Validate(), c.AutoApprove.Validate())

	if c.State.Backend == storage.TypeRedis || c.Roles.Backend == storage.TypeRedis {
		if c.Redis == nil {
			errs = append(errs, errors.New("redis section is required by the redis backend"))
		} else {
			errs = append(errs, c.Redis.Validate())
		}
	}

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider is required"))
	}
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate provider name %q", p.Name))
		}
		seen[p.Name] = true
	}

	return errors.Join(errs...)
}

// CallbackURL is the redirect URI registered with every provider.
func (c *Config) CallbackURL() string {
	return c.PublicURL + CallbackPath
}

func validateBaseURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%s must be an absolute http(s) URL", field)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%s must not contain a query or fragment", field)
	}
	return nil
}
