package certs

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultRenewBefore is how close to expiry a cached certificate is still reused.
const DefaultRenewBefore = 7 * 24 * time.Hour

const maxSlugLen = 64

var (
	// ErrNoProvider is returned when no issuer is configured.
	ErrNoProvider = errors.New("certs: no certificate provider configured")
	// ErrNoDomains is returned when no valid domain remains after normalization.
	ErrNoDomains = errors.New("certs: no valid domains")
)

var hostnamePattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Certificate is an issued certificate stored on disk.
type Certificate struct {
	Domains   []string  `json:"domains"`
	CertPath  string    `json:"cert_path"`
	KeyPath   string    `json:"key_path"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer obtains a certificate chain and private key, both PEM encoded.
type Issuer interface {
	Issue(ctx context.Context, domains []string) (certPEM, keyPEM []byte, err error)
}

// Manager caches certificates under a directory keyed by domain set.
type Manager struct {
	dir         string
	issuer      Issuer
	renewBefore time.Duration
	logger      *slog.Logger
	now         func() time.Time
	mu          sync.Mutex
}

// NewManager creates a Manager. A nil issuer makes every Ensure return ErrNoProvider.
func NewManager(dir string, issuer Issuer, renewBefore time.Duration, logger *slog.Logger) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("certificate dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create certificate dir: %w", err)
	}
	if renewBefore <= 0 {
		renewBefore = DefaultRenewBefore
	}
	return &Manager{dir: dir, issuer: issuer, renewBefore: renewBefore, logger: logger, now: time.Now}, nil
}

// Enabled reports whether an issuer is configured.
func (m *Manager) Enabled() bool {
	return m != nil && m.issuer != nil
}

// Normalize lowercases, validates, dedupes and sorts domains. Invalid entries
// are dropped; an empty result is an error.
func Normalize(domains []string) ([]string, error) {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if len(d) > 253 || !hostnamePattern.MatchString(d) {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, ErrNoDomains
	}
	sort.Strings(out)
	return out, nil
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9.-]+`)

// Slug names the directory for a normalized domain set.
func Slug(domains []string) string {
	joined := strings.Join(domains, "_")
	slug := slugUnsafe.ReplaceAllString(joined, "_")
	if len(slug) <= maxSlugLen {
		return slug
	}
	sum := sha256.Sum256([]byte(joined))
	return slug[:maxSlugLen-13] + "-" + hex.EncodeToString(sum[:])[:12]
}

func (m *Manager) paths(slug string) (dir, cert, key, meta string) {
	dir = filepath.Join(m.dir, slug)
	return dir, filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"), filepath.Join(dir, "meta.json")
}

// Lookup returns the cached certificate for domains when it is outside the
// renewal window.
func (m *Manager) Lookup(domains []string) (*Certificate, bool) {
	normalized, err := Normalize(domains)
	if err != nil {
		return nil, false
	}
	return m.cached(normalized)
}

func (m *Manager) cached(domains []string) (*Certificate, bool) {
	_, certPath, keyPath, metaPath := m.paths(Slug(domains))
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, false
	}
	var cert Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, false
	}
	if _, err := os.Stat(certPath); err != nil {
		return nil, false
	}
	if _, err := os.Stat(keyPath); err != nil {
		return nil, false
	}
	if !cert.ExpiresAt.After(m.now().Add(m.renewBefore)) {
		return nil, false
	}
	cert.CertPath = certPath
	cert.KeyPath = keyPath
	return &cert, true
}

// Ensure returns a valid certificate for domains, issuing one when the cache
// is empty or near expiry.
func (m *Manager) Ensure(ctx context.Context, domains []string) (*Certificate, error) {
	if !m.Enabled() {
		return nil, ErrNoProvider
	}
	normalized, err := Normalize(domains)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cert, ok := m.cached(normalized); ok {
		return cert, nil
	}
	certPEM, keyPEM, err := m.issuer.Issue(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("issue certificate for %s: %w", strings.Join(normalized, ","), err)
	}
	expires, err := leafExpiry(certPEM)
	if err != nil {
		return nil, err
	}

	dir, certPath, keyPath, metaPath := m.paths(Slug(normalized))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create certificate slot: %w", err)
	}
	cert := &Certificate{
		Domains:   normalized,
		CertPath:  certPath,
		KeyPath:   keyPath,
		IssuedAt:  m.now().UTC(),
		ExpiresAt: expires.UTC(),
	}
	meta, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode certificate meta: %w", err)
	}
	if err := writeFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, err
	}
	if err := writeFile(certPath, certPEM, 0o644); err != nil {
		return nil, err
	}
	// meta last: its presence marks a complete slot
	if err := writeFile(metaPath, meta, 0o644); err != nil {
		return nil, err
	}
	if m.logger != nil {
		m.logger.Info("certificate issued", "domains", normalized, "expires_at", cert.ExpiresAt)
	}
	return cert, nil
}

// Pending is the eventual outcome of an asynchronous Ensure.
type Pending struct {
	done chan struct{}
	cert *Certificate
	err  error
}

// EnsureAsync starts Ensure in the background.
func (m *Manager) EnsureAsync(ctx context.Context, domains []string) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("certificate issuance panicked: %v", r)
			}
		}()
		p.cert, p.err = m.Ensure(ctx, domains)
	}()
	return p
}

// Resolved returns a Pending that has already completed with cert and err.
func Resolved(cert *Certificate, err error) *Pending {
	p := &Pending{done: make(chan struct{}), cert: cert, err: err}
	close(p.done)
	return p
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is available or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*Certificate, error) {
	select {
	case <-p.done:
		return p.cert, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Usable reports whether the PEM certificate at path is still valid at now
// and names every domain.
func Usable(path string, domains []string, now time.Time) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return false
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil || !now.Before(leaf.NotAfter) {
		return false
	}
	for _, d := range domains {
		if leaf.VerifyHostname(d) != nil {
			return false
		}
	}
	return true
}

func leafExpiry(certPEM []byte) (time.Time, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, fmt.Errorf("issued certificate is not PEM encoded")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse issued certificate: %w", err)
	}
	return leaf.NotAfter, nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}
