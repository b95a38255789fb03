package certs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pkg/logger"
)

// flakyDirectory answers the first directory request with 503 and behaves
// like a minimal ACME server afterwards.
type flakyDirectory struct {
	mu       sync.Mutex
	dirHits  int
	accounts int
}

func (d *flakyDirectory) handler(base func() string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", func(w http.ResponseWriter, _ *http.Request) {
		d.mu.Lock()
		d.dirHits++
		hits := d.dirHits
		d.mu.Unlock()
		if hits == 1 {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"newNonce":%q,"newAccount":%q,"newOrder":%q,"revokeCert":%q,"keyChange":%q}`,
			base()+"/nonce", base()+"/account", base()+"/order", base()+"/revoke", base()+"/key-change")
	})
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, _ *http.Request) {
		d.mu.Lock()
		d.accounts++
		d.mu.Unlock()
		w.Header().Set("Replay-Nonce", "nonce")
		w.Header().Set("Location", base()+"/account/1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"status":"valid"}`)
	})
	return mux
}

func TestRegisterRetriesAfterFailure(t *testing.T) {
	dir := &flakyDirectory{}
	var srv *httptest.Server
	srv = httptest.NewServer(dir.handler(func() string { return srv.URL }))
	defer srv.Close()

	issuer, err := NewACMEIssuer(srv.URL+"/directory", "ops@example.com",
		filepath.Join(t.TempDir(), "account.key"), t.TempDir(), logger.Discard())
	require.NoError(t, err)
	issuer.client.RetryBackoff = func(int, *http.Request, *http.Response) time.Duration { return -1 }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.Error(t, issuer.register(ctx))
	require.NoError(t, issuer.register(ctx))
	require.NoError(t, issuer.register(ctx))

	dir.mu.Lock()
	defer dir.mu.Unlock()
	assert.Equal(t, 2, dir.dirHits)
	assert.Equal(t, 1, dir.accounts)
}
