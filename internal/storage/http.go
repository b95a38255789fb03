package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTP talks to an artifact server that maps keys onto URL paths and
// accepts GET, HEAD, PUT and DELETE.
type HTTP struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTP creates an HTTP store. A nil client selects one without a global timeout
// since slugs can be large.
func NewHTTP(baseURL, token string, client *http.Client) (*HTTP, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("storage url cannot be empty")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{base: baseURL, token: token, client: client}, nil
}

func (h *HTTP) request(ctx context.Context, method, key string, body io.Reader) (*http.Response, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+"/"+cleaned, body)
	if err != nil {
		return nil, fmt.Errorf("build storage request: %w", err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage %s %s: %w", method, cleaned, err)
	}
	return resp, nil
}

func statusError(resp *http.Response, method, key string) error {
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("storage %s %s: status %d: %s", method, key, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func (h *HTTP) Put(ctx context.Context, key string, r io.Reader) error {
	resp, err := h.request(ctx, http.MethodPut, key, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(resp, http.MethodPut, key)
	}
	return nil
}

func (h *HTTP) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := h.request(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, statusError(resp, http.MethodGet, key)
	}
	return resp.Body, nil
}

func (h *HTTP) Stat(ctx context.Context, key string) (Object, error) {
	resp, err := h.request(ctx, http.MethodHead, key, nil)
	if err != nil {
		return Object{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Object{}, statusError(resp, http.MethodHead, key)
	}
	obj := Object{Key: key, Size: resp.ContentLength}
	if v := resp.Header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			obj.Modified = t
		}
	}
	if v := resp.Header.Get("X-Created-At"); v != "" && obj.Modified.IsZero() {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			obj.Modified = time.Unix(secs, 0)
		}
	}
	return obj, nil
}

func (h *HTTP) Delete(ctx context.Context, key string) error {
	resp, err := h.request(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}
	return statusError(resp, http.MethodDelete, key)
}
