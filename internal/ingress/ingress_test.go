package ingress

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/command"
	"github.com/splax/localvercel/internal/docker"
	"github.com/splax/localvercel/pkg/logger"
)

type countingReloader struct {
	calls int
	err   error
}

func (r *countingReloader) Reload(context.Context) error {
	r.calls++
	return r.err
}

func newSync(t *testing.T, reloader Reloader) *Synchronizer {
	t.Helper()
	root := t.TempDir()
	s, err := New(Config{Dir: filepath.Join(root, "sites"), ChallengeDir: filepath.Join(root, "acme")}, reloader, logger.Discard())
	require.NoError(t, err)
	return s
}

func TestSyncCompleteness(t *testing.T) {
	cases := []struct {
		ports   []int
		domains []string
		cert    *Certificate
	}{
		{ports: []int{20100}, domains: []string{"a1.example.com"}},
		{ports: []int{20100, 20101}, domains: []string{"a1.example.com", "www.a1.example.com"}},
		{ports: []int{20100, 20101, 20102}, domains: []string{"a1.example.com", "A1.example.com", "b.example.org"}, cert: &Certificate{CertPath: "/c/cert.pem", KeyPath: "/c/key.pem"}},
	}
	for _, tc := range cases {
		reloader := &countingReloader{}
		s := newSync(t, reloader)
		require.NoError(t, s.Sync(context.Background(), Route{AppID: "a1", Ports: tc.ports, Domains: tc.domains, Cert: tc.cert}))

		raw, err := os.ReadFile(s.Path("a1"))
		require.NoError(t, err)
		conf := string(raw)
		domains, _ := uniqueDomains(tc.domains)

		assert.Equal(t, len(tc.ports), strings.Count(conf, "max_fails=3 fail_timeout=10s"))
		for _, port := range tc.ports {
			assert.Contains(t, conf, "server 127.0.0.1:"+itoa(port)+" ")
		}
		assert.Equal(t, len(domains), strings.Count(conf, "listen 80;"))
		assert.Equal(t, len(domains), strings.Count(conf, "location ^~ /.well-known/acme-challenge/"))
		if tc.cert != nil {
			assert.Equal(t, len(domains), strings.Count(conf, "listen 443 ssl;"))
			assert.Equal(t, len(domains), strings.Count(conf, "return 301 https://"))
			assert.Contains(t, conf, "ssl_certificate /c/cert.pem;")
		} else {
			assert.NotContains(t, conf, "443")
		}
		for _, d := range domains {
			assert.Contains(t, conf, "server_name "+d+";")
		}
		assert.Equal(t, 1, strings.Count(conf, "upstream paas_a1 {"))
		assert.Equal(t, 1, reloader.calls)
	}
}

func TestSyncWithoutDomainsRemovesRoute(t *testing.T) {
	reloader := &countingReloader{}
	s := newSync(t, reloader)
	require.NoError(t, s.Sync(context.Background(), Route{AppID: "a1", Ports: []int{20100}, Domains: []string{"a1.example.com"}}))
	require.FileExists(t, s.Path("a1"))

	require.NoError(t, s.Sync(context.Background(), Route{AppID: "a1", Ports: []int{20100}}))
	assert.NoFileExists(t, s.Path("a1"))

	require.NoError(t, s.Sync(context.Background(), Route{AppID: "a1", Domains: []string{"a1.example.com"}}))
	assert.Equal(t, 3, reloader.calls)
}

func TestSyncDropsInvalidDomains(t *testing.T) {
	reloader := &countingReloader{}
	s := newSync(t, reloader)
	hostile := "evil.com; location /x { alias /etc/; }"
	require.NoError(t, s.Sync(context.Background(), Route{
		AppID:   "a1",
		Ports:   []int{20100},
		Domains: []string{hostile, "a1.example.com", "*.preview.example.com", "bad_name.example.com", "-x.example.com"},
	}))

	raw, err := os.ReadFile(s.Path("a1"))
	require.NoError(t, err)
	conf := string(raw)
	assert.NotContains(t, conf, "alias")
	assert.NotContains(t, conf, "evil.com")
	assert.NotContains(t, conf, "bad_name")
	assert.NotContains(t, conf, "-x.example.com")
	assert.Contains(t, conf, "server_name a1.example.com;")
	assert.Contains(t, conf, "server_name *.preview.example.com;")
	assert.Equal(t, 2, strings.Count(conf, "server_name "))

	require.NoError(t, s.Sync(context.Background(), Route{AppID: "a1", Ports: []int{20100}, Domains: []string{hostile}}))
	assert.NoFileExists(t, s.Path("a1"))
}

func TestSyncRewritesWholeFile(t *testing.T) {
	s := newSync(t, nil)
	require.NoError(t, s.Sync(context.Background(), Route{AppID: "a1", Ports: []int{20100, 20101, 20102}, Domains: []string{"a1.example.com"}}))
	require.NoError(t, s.Sync(context.Background(), Route{AppID: "a1", Ports: []int{20100}, Domains: []string{"a1.example.com"}}))
	raw, err := os.ReadFile(s.Path("a1"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "max_fails=3"))

	entries, err := os.ReadDir(filepath.Dir(s.Path("a1")))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "temp file left behind: %s", e.Name())
	}
}

func TestReloadFailureIsNotFatal(t *testing.T) {
	reloader := &countingReloader{err: errors.New("nginx: [emerg] bad config")}
	s := newSync(t, reloader)
	err := s.Sync(context.Background(), Route{AppID: "a1", Ports: []int{20100}, Domains: []string{"a1.example.com"}})
	require.NoError(t, err)
	assert.Equal(t, 1, reloader.calls)
	assert.FileExists(t, s.Path("a1"))
}

type recordingRunner struct {
	spec command.Spec
	res  command.Result
}

func (r *recordingRunner) Run(_ context.Context, spec command.Spec) (command.Result, error) {
	r.spec = spec
	return r.res, nil
}

func TestCommandReloaderUsesArgv(t *testing.T) {
	runner := &recordingRunner{}
	reloader, err := NewCommandReloader(runner, `docker exec "paas nginx" nginx -s reload`)
	require.NoError(t, err)
	require.NoError(t, reloader.Reload(context.Background()))
	assert.Equal(t, "docker", runner.spec.Name)
	assert.Equal(t, []string{"exec", "paas nginx", "nginx", "-s", "reload"}, runner.spec.Args)

	runner.res = command.Result{ExitCode: 1, Stderr: "nginx: [error] invalid PID"}
	assert.Error(t, reloader.Reload(context.Background()))

	_, err = NewCommandReloader(runner, "  ")
	assert.Error(t, err)
}

type fakeSignaller struct {
	got string
	err error
}

func (f *fakeSignaller) Signal(_ context.Context, name, signal string) error {
	f.got = name + ":" + signal
	return f.err
}

func TestContainerReloaderSendsHUP(t *testing.T) {
	sig := &fakeSignaller{}
	reloader, err := NewContainerReloader(sig, "nginx")
	require.NoError(t, err)
	require.NoError(t, reloader.Reload(context.Background()))
	assert.Equal(t, "nginx:HUP", sig.got)

	sig.err = docker.ErrNotFound
	err = reloader.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
