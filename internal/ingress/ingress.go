package ingress

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"
)

//go:embed site.conf.tpl proxy.conf.tpl
var templates embed.FS

var siteTemplate = template.Must(template.ParseFS(templates, "site.conf.tpl"))

const proxyInclude = "paas-proxy.inc"

// Certificate points at PEM files on disk.
type Certificate struct {
	CertPath string
	KeyPath  string
}

// Route is everything needed to expose one application.
type Route struct {
	AppID   string
	Ports   []int
	Domains []string
	Cert    *Certificate
	// Host overrides Config.UpstreamHost, e.g. for a cluster service address.
	Host string
}

// Reloader asks the reverse proxy to pick up new configuration.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Config locates the proxy's configuration and challenge directories.
type Config struct {
	Dir          string
	ChallengeDir string
	// UpstreamHost is where published container ports are reachable from the proxy.
	UpstreamHost string
}

// Synchronizer owns the per-application proxy files.
type Synchronizer struct {
	cfg      Config
	reloader Reloader
	logger   *slog.Logger
}

// New prepares the directories and shared include file.
func New(cfg Config, reloader Reloader, logger *slog.Logger) (*Synchronizer, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("ingress config dir cannot be empty")
	}
	if strings.TrimSpace(cfg.ChallengeDir) == "" {
		return nil, fmt.Errorf("ingress challenge dir cannot be empty")
	}
	if cfg.UpstreamHost == "" {
		cfg.UpstreamHost = "127.0.0.1"
	}
	for _, dir := range []string{cfg.Dir, cfg.ChallengeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ingress dir: %w", err)
		}
	}
	include, err := templates.ReadFile("proxy.conf.tpl")
	if err != nil {
		return nil, fmt.Errorf("read proxy include: %w", err)
	}
	if err := writeAtomic(filepath.Join(cfg.Dir, proxyInclude), include); err != nil {
		return nil, err
	}
	return &Synchronizer{cfg: cfg, reloader: reloader, logger: logger}, nil
}

// ChallengeDir is the web root serving domain-validation tokens.
func (s *Synchronizer) ChallengeDir() string {
	return s.cfg.ChallengeDir
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func upstreamName(appID string) string {
	return "paas_" + unsafeName.ReplaceAllString(appID, "_")
}

// Path returns the configuration file for an application.
func (s *Synchronizer) Path(appID string) string {
	return filepath.Join(s.cfg.Dir, unsafeName.ReplaceAllString(appID, "_")+".conf")
}

// Render produces the complete configuration for route.
func (s *Synchronizer) Render(route Route) ([]byte, error) {
	host := s.cfg.UpstreamHost
	if route.Host != "" {
		host = route.Host
	}
	domains, _ := uniqueDomains(route.Domains)
	servers := make([]string, 0, len(route.Ports))
	for _, port := range uniqueInts(route.Ports) {
		servers = append(servers, host+":"+strconv.Itoa(port))
	}
	data := struct {
		AppID         string
		Upstream      string
		Servers       []string
		Domains       []string
		TLS           bool
		CertPath      string
		KeyPath       string
		ChallengeRoot string
		ProxyInclude  string
	}{
		AppID:         route.AppID,
		Upstream:      upstreamName(route.AppID),
		Servers:       servers,
		Domains:       domains,
		ChallengeRoot: s.cfg.ChallengeDir,
		ProxyInclude:  filepath.Join(s.cfg.Dir, proxyInclude),
	}
	if route.Cert != nil && route.Cert.CertPath != "" && route.Cert.KeyPath != "" {
		data.TLS = true
		data.CertPath = route.Cert.CertPath
		data.KeyPath = route.Cert.KeyPath
	}
	var buf bytes.Buffer
	if err := siteTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render ingress config: %w", err)
	}
	return buf.Bytes(), nil
}

// Sync rewrites the application's configuration and reloads the proxy. An
// application without live ports or domains has its configuration removed.
// Reload failures are logged and never returned.
func (s *Synchronizer) Sync(ctx context.Context, route Route) error {
	if strings.TrimSpace(route.AppID) == "" {
		return fmt.Errorf("ingress route requires an application id")
	}
	domains, rejected := uniqueDomains(route.Domains)
	if len(rejected) > 0 && s.logger != nil {
		s.logger.Warn("ignoring invalid domains", "app_id", route.AppID, "domains", rejected)
	}
	if len(route.Ports) == 0 || len(domains) == 0 {
		return s.Remove(ctx, route.AppID)
	}
	content, err := s.Render(route)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.Path(route.AppID), content); err != nil {
		return err
	}
	s.reload(ctx, route.AppID)
	return nil
}

// Remove deletes the application's configuration and reloads the proxy.
func (s *Synchronizer) Remove(ctx context.Context, appID string) error {
	err := os.Remove(s.Path(appID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove ingress config: %w", err)
	}
	s.reload(ctx, appID)
	return nil
}

func (s *Synchronizer) reload(ctx context.Context, appID string) {
	if s.reloader == nil {
		return
	}
	if err := s.reloader.Reload(ctx); err != nil && s.logger != nil {
		s.logger.Warn("proxy reload failed; keeping previous routing", "app_id", appID, "error", err)
	}
}

func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("activate config: %w", err)
	}
	return nil
}

func uniqueInts(values []int) []int {
	seen := make(map[int]struct{}, len(values))
	out := make([]int, 0, len(values))
	for _, v := range values {
		if v <= 0 {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// domainPattern is an RFC 1123 hostname with an optional leading wildcard
// label. Anything else never reaches server_name.
var domainPattern = regexp.MustCompile(`^(\*\.)?([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]([a-z0-9-]{0,61}[a-z0-9])?$`)

// uniqueDomains returns the sorted valid domains and the rejected inputs.
func uniqueDomains(values []string) ([]string, []string) {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	var rejected []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if len(v) > 253 || !domainPattern.MatchString(v) {
			rejected = append(rejected, v)
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out, rejected
}
