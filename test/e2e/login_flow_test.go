// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"context"
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/authd/pkg/auth"
)

var _ = Describe("Login and role assignment", Ordered, func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		server   *authServer
		verifier *auth.Verifier
		source   *auth.JWKSKeySource
	)

	BeforeAll(func() {
		ctx, cancel = context.WithCancel(context.Background())
		server = startAuthServer(ctx)

		var err error
		source, err = auth.NewJWKSKeySource(ctx, server.URL+"/.well-known/jwks.json", nil)
		Expect(err).ToNot(HaveOccurred())
		verifier, err = auth.NewVerifier(source, auth.VerifierConfig{
			Issuer:   server.URL,
			Audience: "datatracker",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(verifier.WaitReady(ctx)).To(Succeed())
	})

	AfterAll(func() {
		_ = source.Close()
		server.Close()
		cancel()
	})

	It("reports healthy", func() {
		status, _ := server.request(http.MethodGet, "/health", "", "")
		Expect(status).To(Equal(http.StatusNoContent))
	})

	It("issues a role-less credential to a new user", func() {
		target := server.beginLogin("ok")
		resp, tok := server.callback(target)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(tok.TokenType).To(Equal("Bearer"))
		Expect(tok.ExpiresIn).To(BeNumerically("~", 900, 1))

		var cookie *http.Cookie
		for _, c := range resp.Cookies() {
			if c.Name == "auth_token" {
				cookie = c
			}
		}
		Expect(cookie).ToNot(BeNil())
		Expect(cookie.Value).To(Equal(tok.AccessToken))
		Expect(cookie.HttpOnly).To(BeTrue())

		claims, err := verifier.Verify(ctx, tok.AccessToken)
		Expect(err).ToNot(HaveOccurred())
		Expect(claims.Subject).To(Equal("mock:alice"))
		Expect(claims.Roles).To(BeEmpty())
		Expect(claims.Email).To(Equal("alice@example.org"))

		By("rejecting a replayed callback")
		resp, _ = server.callback(target)
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

		By("reporting the pending status")
		status, body := server.request(http.MethodGet, "/userinfo", "", tok.AccessToken)
		Expect(status).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring(`"status":"pending"`))
	})

	It("keeps pending users out of the admin API", func() {
		token := server.login("ok")
		status, _ := server.request(http.MethodGet, "/admin/role-assignments/pending", "", token)
		Expect(status).To(Equal(http.StatusForbidden))

		status, _ = server.request(http.MethodGet, "/admin/role-assignments/pending", "", "")
		Expect(status).To(Equal(http.StatusUnauthorized))
	})

	It("lets an auto-approved admin grant roles", func() {
		admin := server.login("admin")
		claims, err := verifier.Verify(ctx, admin)
		Expect(err).ToNot(HaveOccurred())
		Expect(claims.HasRole("admin")).To(BeTrue())

		status, body := server.request(http.MethodGet, "/admin/role-assignments/pending", "", admin)
		Expect(status).To(Equal(http.StatusOK))
		var pending struct {
			Items []struct {
				UserID  string `json:"user_id"`
				Version int64  `json:"version"`
			} `json:"items"`
		}
		Expect(json.Unmarshal(body, &pending)).To(Succeed())
		Expect(pending.Items).To(HaveLen(1))
		Expect(pending.Items[0].UserID).To(Equal("mock:alice"))

		status, body = server.request(http.MethodPost, "/admin/users/mock:alice/roles",
			`{"roles":["editor"],"expected_version":`+jsonInt(pending.Items[0].Version)+`}`, admin)
		Expect(status).To(Equal(http.StatusOK), string(body))
		Expect(string(body)).To(ContainSubstring(`"status":"approved"`))

		By("rejecting a stale expected version")
		status, _ = server.request(http.MethodPost, "/admin/users/mock:alice/roles",
			`{"roles":["reader"],"expected_version":`+jsonInt(pending.Items[0].Version)+`}`, admin)
		Expect(status).To(Equal(http.StatusConflict))

		By("carrying the granted role in the next credential")
		token := server.login("ok")
		claims, err = verifier.Verify(ctx, token)
		Expect(err).ToNot(HaveOccurred())
		Expect(claims.Roles).To(ConsistOf("editor"))
	})

	It("publishes the signing key as PEM", func() {
		status, body := server.request(http.MethodGet, "/.well-known/public_key.pem", "", "")
		Expect(status).To(Equal(http.StatusOK))
		Expect(string(body)).To(HavePrefix("-----BEGIN PUBLIC KEY-----"))
	})
})

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
