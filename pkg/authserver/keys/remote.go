// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/cryptobyte"
	cryptoasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/sync/singleflight"
)

// Defaults for remote custody.
const (
	DefaultPublicKeyCacheTTL = 10 * time.Minute
	DefaultOperationTimeout  = 5 * time.Second
)

// RemoteConfig configures a RemoteCustodian backed by AWS KMS.
type RemoteConfig struct {
	// KeyID is the KMS key id, key ARN, alias name or alias ARN.
	KeyID string `yaml:"key_id"`

	// Region is the AWS region of the key. Falls back to the SDK default chain.
	Region string `yaml:"region,omitempty"`

	// Endpoint overrides the KMS endpoint (e.g. a local KMS emulator).
	Endpoint string `yaml:"endpoint,omitempty"`

	// AssumeRoleARN, when set, is assumed through STS before calling KMS.
	AssumeRoleARN string `yaml:"assume_role_arn,omitempty"`

	// Algorithm overrides the algorithm derived from the KMS public key.
	Algorithm string `yaml:"algorithm,omitempty"`

	// PublicKeyCacheTTL bounds how long the fetched public key is reused.
	PublicKeyCacheTTL time.Duration `yaml:"public_key_cache_ttl,omitempty"`

	// OperationTimeout bounds every individual KMS call.
	OperationTimeout time.Duration `yaml:"operation_timeout,omitempty"`
}

// Validate checks required fields.
func (c *RemoteConfig) Validate() error {
	if c.KeyID == "" {
		return errors.New("remote key_id is required")
	}
	if c.Algorithm != "" {
		if _, ok := kmsAlgorithms[c.Algorithm]; !ok {
			return fmt.Errorf("algorithm %s is not supported for remote custody", c.Algorithm)
		}
	}
	return nil
}

// KMSClient is the subset of the KMS API used by RemoteCustodian.
type KMSClient interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

type kmsAlgorithm struct {
	spec kmstypes.SigningAlgorithmSpec
	hash crypto.Hash
	// ecSize is the byte length of r and s for ECDSA; zero for RSA.
	ecSize int
}

var kmsAlgorithms = map[string]kmsAlgorithm{
	"RS256": {spec: kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256, hash: crypto.SHA256},
	"RS384": {spec: kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha384, hash: crypto.SHA384},
	"RS512": {spec: kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha512, hash: crypto.SHA512},
	"PS256": {spec: kmstypes.SigningAlgorithmSpecRsassaPssSha256, hash: crypto.SHA256},
	"ES256": {spec: kmstypes.SigningAlgorithmSpecEcdsaSha256, hash: crypto.SHA256, ecSize: 32},
	"ES384": {spec: kmstypes.SigningAlgorithmSpecEcdsaSha384, hash: crypto.SHA384, ecSize: 48},
}

// remoteKey is the cached public half of the KMS key.
type remoteKey struct {
	keyARN    string
	keyID     string
	algorithm string
	publicKey crypto.PublicKey
	fetchedAt time.Time
}

// RemoteCustodian signs through AWS KMS. The private key never leaves KMS.
// The public key is fetched once at construction and then cached for
// PublicKeyCacheTTL so JWKS requests do not hit KMS rate limits.
type RemoteCustodian struct {
	client  KMSClient
	cfg     RemoteConfig
	logger  *slog.Logger
	closeFn func()
	now     func() time.Time
	closed  atomic.Bool

	mu      sync.RWMutex
	current *remoteKey
	group   singleflight.Group
}

// RemoteOption configures a RemoteCustodian.
type RemoteOption func(*RemoteCustodian)

// WithRemoteLogger sets the logger.
func WithRemoteLogger(l *slog.Logger) RemoteOption {
	return func(c *RemoteCustodian) {
		if l != nil {
			c.logger = l
		}
	}
}

// withRemoteClock replaces the time source used for cache expiry.
func withRemoteClock(now func() time.Time) RemoteOption {
	return func(c *RemoteCustodian) {
		c.now = now
	}
}

// withCloseFunc registers a function releasing the network client on Close.
func withCloseFunc(fn func()) RemoteOption {
	return func(c *RemoteCustodian) {
		c.closeFn = fn
	}
}

// NewRemoteCustodian builds a KMS client from the default AWS configuration
// chain and fetches the public key. Failure to reach KMS is returned wrapped
// in ErrSigningUnavailable.
func NewRemoteCustodian(ctx context.Context, cfg RemoteConfig, opts ...RemoteOption) (*RemoteCustodian, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid remote key configuration: %w", ErrSigningUnavailable, err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	httpClient := &http.Client{Transport: transport}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithHTTPClient(httpClient)}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load AWS configuration: %w", ErrSigningUnavailable, err)
	}

	if cfg.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		awsCfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN))
	}

	client := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	opts = append(opts, withCloseFunc(transport.CloseIdleConnections))
	return NewRemoteCustodianWithClient(ctx, client, cfg, opts...)
}

// NewRemoteCustodianWithClient creates a RemoteCustodian with a pre-configured client.
func NewRemoteCustodianWithClient(
	ctx context.Context, client KMSClient, cfg RemoteConfig, opts ...RemoteOption,
) (*RemoteCustodian, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid remote key configuration: %w", ErrSigningUnavailable, err)
	}
	if cfg.PublicKeyCacheTTL == 0 {
		cfg.PublicKeyCacheTTL = DefaultPublicKeyCacheTTL
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}

	c := &RemoteCustodian{client: client, cfg: cfg, logger: slog.New(slog.DiscardHandler), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	key, err := c.fetchPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	c.current = key

	c.logger.Info("remote signing key ready",
		"key_arn", key.keyARN,
		"algorithm", key.algorithm,
		"key_id", key.keyID,
	)
	return c, nil
}

func (c *RemoteCustodian) fetchPublicKey(ctx context.Context) (*remoteKey, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	out, err := c.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(c.cfg.KeyID)})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch public key: %w", ErrSigningUnavailable, err)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, fmt.Errorf("%w: key usage %s is not SIGN_VERIFY", ErrSigningUnavailable, out.KeyUsage)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key: %w", ErrSigningUnavailable, err)
	}
	if rsaKey, ok := pub.(*rsa.PublicKey); ok && rsaKey.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("%w: RSA key must be at least %d bits", ErrSigningUnavailable, MinRSAKeyBits)
	}

	kid, alg, err := DeriveSigningKeyParams(pub, "", c.cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningUnavailable, err)
	}
	spec, ok := kmsAlgorithms[alg]
	if !ok {
		return nil, fmt.Errorf("%w: algorithm %s is not supported for remote custody", ErrSigningUnavailable, alg)
	}
	if len(out.SigningAlgorithms) > 0 && !slices.Contains(out.SigningAlgorithms, spec.spec) {
		return nil, fmt.Errorf("%w: key does not support %s", ErrSigningUnavailable, spec.spec)
	}

	return &remoteKey{
		keyARN:    aws.ToString(out.KeyId),
		keyID:     kid,
		algorithm: alg,
		publicKey: pub,
		fetchedAt: c.now(),
	}, nil
}

// currentKey returns the cached key, refreshing it when older than the TTL.
// A failed refresh keeps serving the previous key for one more TTL; after
// that the refresh error is returned.
func (c *RemoteCustodian) currentKey(ctx context.Context) (*remoteKey, error) {
	c.mu.RLock()
	key := c.current
	c.mu.RUnlock()

	if key != nil && c.now().Sub(key.fetchedAt) < c.cfg.PublicKeyCacheTTL {
		return key, nil
	}

	v, err, _ := c.group.Do("public-key", func() (any, error) {
		fresh, err := c.fetchPublicKey(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.current = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		if key != nil && c.now().Sub(key.fetchedAt) < 2*c.cfg.PublicKeyCacheTTL {
			c.logger.WarnContext(ctx, "failed to refresh remote public key, serving cached key", "error", err)
			return key, nil
		}
		return nil, err
	}
	return v.(*remoteKey), nil
}

// Sign implements Custodian.
func (c *RemoteCustodian) Sign(ctx context.Context, claims any) (*SignedToken, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: custodian is closed", ErrSigningUnavailable)
	}

	key, err := c.currentKey(ctx)
	if err != nil {
		return nil, err
	}

	signer := &kmsSigner{ctx: ctx, custodian: c, key: key}
	token, err := signCompact(jose.SigningKey{Algorithm: jose.SignatureAlgorithm(key.algorithm), Key: signer}, claims)
	if err != nil {
		if errors.Is(err, ErrSigningUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSigningUnavailable, err)
	}
	return &SignedToken{Token: token, KeyID: key.keyID, Algorithm: key.algorithm}, nil
}

// PublicKeys implements Custodian.
func (c *RemoteCustodian) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	key, err := c.currentKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{{
		KeyID:     key.keyID,
		Algorithm: key.algorithm,
		PublicKey: key.publicKey,
		CreatedAt: key.fetchedAt,
	}}, nil
}

// JWKS implements Custodian.
func (c *RemoteCustodian) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	pubKeys, err := c.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	return buildJWKS(pubKeys), nil
}

// VerificationKey implements Custodian.
func (c *RemoteCustodian) VerificationKey(ctx context.Context, kid string) (any, error) {
	key, err := c.currentKey(ctx)
	if err != nil {
		return nil, err
	}
	if key.keyID != kid {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
	}
	return key.publicKey, nil
}

// Close releases the KMS network client. Signing fails afterwards.
func (c *RemoteCustodian) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.closeFn != nil {
		c.closeFn()
	}
	return nil
}

// kmsSigner adapts a KMS key to jose.OpaqueSigner for a single signing call.
type kmsSigner struct {
	ctx       context.Context
	custodian *RemoteCustodian
	key       *remoteKey
}

func (s *kmsSigner) Public() *jose.JSONWebKey {
	return &jose.JSONWebKey{
		Key:       s.key.publicKey,
		KeyID:     s.key.keyID,
		Algorithm: s.key.algorithm,
		Use:       "sig",
	}
}

func (s *kmsSigner) Algs() []jose.SignatureAlgorithm {
	return []jose.SignatureAlgorithm{jose.SignatureAlgorithm(s.key.algorithm)}
}

func (s *kmsSigner) SignPayload(payload []byte, alg jose.SignatureAlgorithm) ([]byte, error) {
	spec, ok := kmsAlgorithms[string(alg)]
	if !ok || string(alg) != s.key.algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrSigningUnavailable, alg)
	}

	h := spec.hash.New()
	_, _ = h.Write(payload)
	digest := h.Sum(nil)

	ctx, cancel := context.WithTimeout(s.ctx, s.custodian.cfg.OperationTimeout)
	defer cancel()

	out, err := s.custodian.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.key.keyARN),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: spec.spec,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: kms sign failed: %w", ErrSigningUnavailable, err)
	}

	if spec.ecSize == 0 {
		return out.Signature, nil
	}
	return ecdsaDERToJOSE(out.Signature, spec.ecSize)
}

// ecdsaDERToJOSE converts an ASN.1 DER ECDSA signature (as returned by KMS)
// to the fixed-width r||s form required by JWS.
func ecdsaDERToJOSE(der []byte, size int) ([]byte, error) {
	r, s := new(big.Int), new(big.Int)
	input := cryptobyte.String(der)
	var inner cryptobyte.String
	if !input.ReadASN1(&inner, cryptoasn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, fmt.Errorf("%w: invalid ECDSA signature encoding", ErrSigningUnavailable)
	}
	if r.BitLen() > size*8 || s.BitLen() > size*8 {
		return nil, fmt.Errorf("%w: ECDSA signature component too large", ErrSigningUnavailable)
	}
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}

var (
	_ Custodian         = (*RemoteCustodian)(nil)
	_ jose.OpaqueSigner = (*kmsSigner)(nil)
)
