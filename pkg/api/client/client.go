package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// MaxLogChunk is the largest log payload sent in one request.
const MaxLogChunk = 64 << 10

const truncatedMarker = "...[truncated]\n"

// Tokens yields bearer tokens for outbound requests.
type Tokens interface {
	Token() (string, error)
}

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

// Client reports task progress, logs and heartbeats to the control plane.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     Tokens

	mu        sync.Mutex
	outbox    []queued
	maxOutbox int
}

type queued struct {
	target Target
	report StatusReport
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTokens sets the bearer token source.
func WithTokens(t Tokens) Option {
	return func(c *Client) {
		if t != nil {
			c.tokens = t
		}
	}
}

// WithToken sets a static bearer token.
func WithToken(token string) Option {
	return WithTokens(staticToken(strings.TrimSpace(token)))
}

// WithOutboxLimit caps the number of queued status reports.
func WithOutboxLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxOutbox = n
		}
	}
}

// New constructs a Client pointing at the provided control plane base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid control plane url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     staticToken(""),
		maxOutbox:  1000,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the control plane.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Target names the resource a report is about.
type Target struct {
	Kind string
	ID   string
}

// Target kinds.
const (
	KindApplication = "application"
	KindDatabase    = "database"
)

// Application targets an application.
func Application(id string) Target { return Target{Kind: KindApplication, ID: id} }

// Database targets a database.
func Database(id string) Target { return Target{Kind: KindDatabase, ID: id} }

func (t Target) path(suffix string) (string, error) {
	if strings.TrimSpace(t.ID) == "" {
		return "", fmt.Errorf("target id required")
	}
	switch t.Kind {
	case KindApplication:
		return "/applications/" + url.PathEscape(t.ID) + "/" + suffix, nil
	case KindDatabase:
		return "/databases/" + url.PathEscape(t.ID) + "/" + suffix, nil
	default:
		return "", fmt.Errorf("unknown target kind %q", t.Kind)
	}
}

// StatusReport is one status transition of a task.
type StatusReport struct {
	TaskID    string         `json:"task_id"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Image     string         `json:"image,omitempty"`
	State     string         `json:"state,omitempty"`
	HostPorts []int          `json:"host_ports,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
	// Final reports are queued for retry when delivery fails.
	Final bool `json:"-"`
}

// ReportStatus posts a status report. Final reports that cannot be delivered
// are queued and retried by FlushPending; the delivery error is still returned.
func (c *Client) ReportStatus(ctx context.Context, target Target, report StatusReport) error {
	if report.At.IsZero() {
		report.At = time.Now().UTC()
	}
	err := c.sendStatus(ctx, target, report)
	if err != nil && report.Final && retryable(err) {
		c.enqueue(queued{target: target, report: report})
	}
	return err
}

func (c *Client) sendStatus(ctx context.Context, target Target, report StatusReport) error {
	path, err := target.path("status")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, report, nil)
}

// LogChunk is a batch of task log output.
type LogChunk struct {
	TaskID string    `json:"task_id"`
	Stage  string    `json:"stage,omitempty"`
	Chunk  string    `json:"chunk"`
	At     time.Time `json:"at"`
}

// AppendLogs ships a log chunk, keeping only its last MaxLogChunk bytes.
func (c *Client) AppendLogs(ctx context.Context, target Target, chunk LogChunk) error {
	path, err := target.path("logs")
	if err != nil {
		return err
	}
	if chunk.At.IsZero() {
		chunk.At = time.Now().UTC()
	}
	chunk.Chunk = TruncateTail(chunk.Chunk, MaxLogChunk)
	return c.do(ctx, http.MethodPost, path, chunk, nil)
}

// TruncateTail keeps the end of s so that the result fits in max bytes.
func TruncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	keep := max - len(truncatedMarker)
	if keep <= 0 {
		return s[len(s)-max:]
	}
	start := len(s) - keep
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return truncatedMarker + s[start:]
}

// Usage is a resource total and the amount in use.
type Usage struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
}

// AppUsage is a per-application resource sample.
type AppUsage struct {
	AppID       string  `json:"app_id"`
	Instances   int     `json:"instances"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

// Heartbeat is the periodic node health payload.
type Heartbeat struct {
	NodeID     string     `json:"node_id"`
	Version    string     `json:"version,omitempty"`
	CPUCores   int        `json:"cpu_cores"`
	CPUPercent float64    `json:"cpu_percent"`
	Load1      float64    `json:"load_1"`
	Memory     Usage      `json:"memory"`
	Disk       Usage      `json:"disk"`
	Containers int        `json:"containers_running"`
	Apps       []AppUsage `json:"apps,omitempty"`
	Uptime     int64      `json:"uptime_seconds"`
	SentAt     time.Time  `json:"sent_at"`
}

// Heartbeat posts node health.
func (c *Client) Heartbeat(ctx context.Context, hb Heartbeat) error {
	if strings.TrimSpace(hb.NodeID) == "" {
		return fmt.Errorf("node id required")
	}
	if hb.SentAt.IsZero() {
		hb.SentAt = time.Now().UTC()
	}
	return c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(hb.NodeID)+"/heartbeat", hb, nil)
}

// Pending reports how many status reports await redelivery.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// FlushPending retries queued status reports in order, stopping at the first
// failure. It returns how many were delivered.
func (c *Client) FlushPending(ctx context.Context) (int, error) {
	c.mu.Lock()
	batch := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for i, item := range batch {
		err := c.sendStatus(ctx, item.target, item.report)
		if err == nil {
			continue
		}
		if !retryable(err) {
			// The control plane rejected it; retrying will not help.
			continue
		}
		c.mu.Lock()
		c.outbox = append(batch[i:], c.outbox...)
		c.trimLocked()
		c.mu.Unlock()
		return i, err
	}
	return len(batch), nil
}

func (c *Client) enqueue(item queued) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox = append(c.outbox, item)
	c.trimLocked()
}

func (c *Client) trimLocked() {
	if over := len(c.outbox) - c.maxOutbox; over > 0 {
		c.outbox = append([]queued(nil), c.outbox[over:]...)
	}
}

// retryable reports whether a later attempt may succeed.
func retryable(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError || apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusUnauthorized
	}
	return true
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("bearer token: %w", err)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}
