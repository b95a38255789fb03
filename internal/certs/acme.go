package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/acme"
)

// ACMEIssuer obtains certificates with HTTP-01 challenges served from a
// directory the reverse proxy exposes under /.well-known/acme-challenge/.
type ACMEIssuer struct {
	client       *acme.Client
	email        string
	challengeDir string
	logger       *slog.Logger

	mu         sync.Mutex
	registered bool
}

// NewACMEIssuer loads or creates the account key at accountKeyPath.
func NewACMEIssuer(directoryURL, email, accountKeyPath, challengeDir string, logger *slog.Logger) (*ACMEIssuer, error) {
	if strings.TrimSpace(challengeDir) == "" {
		return nil, fmt.Errorf("challenge dir cannot be empty")
	}
	key, err := loadOrCreateKey(accountKeyPath)
	if err != nil {
		return nil, err
	}
	if directoryURL == "" {
		directoryURL = acme.LetsEncryptURL
	}
	return &ACMEIssuer{
		client:       &acme.Client{Key: key, DirectoryURL: directoryURL},
		email:        email,
		challengeDir: challengeDir,
		logger:       logger,
	}, nil
}

func loadOrCreateKey(path string) (crypto.Signer, error) {
	if raw, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("account key %s is not PEM encoded", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse account key: %w", err)
		}
		return key, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read account key: %w", err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode account key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create account key dir: %w", err)
	}
	if err := writeFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// register creates the account once. A failed attempt is retried on the
// next call.
func (i *ACMEIssuer) register(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.registered {
		return nil
	}
	account := &acme.Account{}
	if i.email != "" {
		account.Contact = []string{"mailto:" + i.email}
	}
	_, err := i.client.Register(ctx, account, acme.AcceptTOS)
	if err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return fmt.Errorf("register acme account: %w", err)
	}
	i.registered = true
	return nil
}

// Issue runs a full order for domains.
func (i *ACMEIssuer) Issue(ctx context.Context, domains []string) ([]byte, []byte, error) {
	if err := i.register(ctx); err != nil {
		return nil, nil, err
	}
	order, err := i.client.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return nil, nil, fmt.Errorf("create order: %w", err)
	}
	for _, authzURL := range order.AuthzURLs {
		if err := i.authorize(ctx, authzURL); err != nil {
			return nil, nil, err
		}
	}
	order, err = i.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("wait for order: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate certificate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{DNSNames: domains}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create csr: %w", err)
	}
	chain, _, err := i.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, nil, fmt.Errorf("finalize order: %w", err)
	}

	var certPEM []byte
	for _, der := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encode certificate key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func (i *ACMEIssuer) authorize(ctx context.Context, authzURL string) error {
	authz, err := i.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("get authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}
	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("no http-01 challenge offered for %s", authz.Identifier.Value)
	}
	body, err := i.client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return fmt.Errorf("compute challenge response: %w", err)
	}
	path := filepath.Join(i.challengeDir, filepath.FromSlash(i.client.HTTP01ChallengePath(chal.Token)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create challenge dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write challenge token: %w", err)
	}
	defer os.Remove(path)

	if _, err := i.client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}
	if _, err := i.client.WaitAuthorization(ctx, authz.URI); err != nil {
		return fmt.Errorf("authorization for %s: %w", authz.Identifier.Value, err)
	}
	if i.logger != nil {
		i.logger.Debug("acme authorization valid", "domain", authz.Identifier.Value)
	}
	return nil
}
