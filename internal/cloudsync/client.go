// Package cloudsync is the client side of the exam upsert contract: it
// replays queued drafts and events over HTTP, reads progress to resume a
// session, and probes the server to gate replay on connectivity.
package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/examsync/internal/types"
)

// ErrNoProgress is returned when the server has no in-progress attempt.
var ErrNoProgress = errors.New("cloudsync: no progress")

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// Client is an HTTP client for the exam API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for the API at baseURL authenticated with token.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "cloudsync"),
	}
}

// SetToken replaces the bearer token, for example after signing in again.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetHTTPClient overrides the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Replay sends one queued record and returns the server acknowledgement.
// Failures are returned as *types.ReplayError.
func (c *Client) Replay(ctx context.Context, rec types.Record) (types.Ack, error) {
	switch rec.Kind {
	case types.KindDraft:
		return c.replayDraft(ctx, rec)
	case types.KindEvent:
		return c.replayEvent(ctx, rec)
	default:
		return types.Ack{}, &types.ReplayError{
			Class: types.ClassValidation,
			Err:   fmt.Errorf("unknown record kind %q", rec.Kind),
		}
	}
}

func (c *Client) replayDraft(ctx context.Context, rec types.Record) (types.Ack, error) {
	p, err := rec.Draft()
	if err != nil {
		return types.Ack{}, &types.ReplayError{Class: types.ClassValidation, Err: err}
	}
	body := types.DraftRequest{DraftPayload: p, Revision: rec.Revision}

	var ack types.Ack
	path := "/api/attempts/" + url.PathEscape(p.AttemptID) + "/draft"
	if err := c.do(ctx, http.MethodPut, path, body, &ack); err != nil {
		return types.Ack{}, err
	}
	if ack.SavedAt.IsZero() {
		// Without a confirmation time the write cannot be trusted.
		return types.Ack{}, &types.ReplayError{
			Class: types.ClassTransient,
			Err:   errors.New("draft response missing savedAt"),
		}
	}
	return ack, nil
}

func (c *Client) replayEvent(ctx context.Context, rec types.Record) (types.Ack, error) {
	e, err := rec.Event()
	if err != nil {
		return types.Ack{}, &types.ReplayError{Class: types.ClassValidation, Err: err}
	}
	body := types.EventRequest{
		Type:       e.Type,
		Payload:    e.Payload,
		OccurredAt: e.OccurredAt,
		OfflineID:  e.OfflineID,
	}

	var ack types.EventAck
	path := "/api/attempts/" + url.PathEscape(e.AttemptID) + "/events"
	if err := c.do(ctx, http.MethodPost, path, body, &ack); err != nil {
		return types.Ack{}, err
	}
	if !ack.OK {
		return types.Ack{}, &types.ReplayError{
			Class: types.ClassTransient,
			Err:   errors.New("event response not ok"),
		}
	}
	return types.Ack{SavedAt: time.Now().UTC()}, nil
}

// Progress reads the caller's most recent in-progress attempt for module.
// It returns ErrNoProgress when there is none.
func (c *Client) Progress(ctx context.Context, module, examContext string) (*types.Progress, error) {
	q := url.Values{}
	q.Set("module", module)
	if examContext != "" {
		q.Set("context", examContext)
	}
	var p types.Progress
	err := c.do(ctx, http.MethodGet, "/api/progress?"+q.Encode(), nil, &p)
	var re *types.ReplayError
	if errors.As(err, &re) && re.Status == http.StatusNotFound {
		return nil, ErrNoProgress
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// StartAttempt creates a new attempt owned by the caller.
func (c *Client) StartAttempt(ctx context.Context, module, examContext string) (*types.Attempt, error) {
	var a types.Attempt
	req := types.StartAttemptRequest{Module: module, Context: examContext}
	if err := c.do(ctx, http.MethodPost, "/api/attempts", req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Submit marks an attempt completed.
func (c *Client) Submit(ctx context.Context, attemptID string) (*types.Attempt, error) {
	var a types.Attempt
	path := "/api/attempts/" + url.PathEscape(attemptID) + "/submit"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Health probes the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// do performs one request. Transport failures and error statuses are mapped
// to a classified *types.ReplayError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &types.ReplayError{Class: types.ClassValidation, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &types.ReplayError{Class: types.ClassValidation, Err: fmt.Errorf("create request: %w", err)}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &types.ReplayError{Class: types.ClassTransient, Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &types.ReplayError{
			Class:  ClassifyStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s %s: %s", method, path, strings.TrimSpace(string(msg))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A 2xx with an unreadable body is not a confirmation.
		return &types.ReplayError{Class: types.ClassTransient, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// ClassifyStatus maps an HTTP status to a replay error class.
func ClassifyStatus(status int) types.ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.ClassAuthorization
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return types.ClassTransient
	case status >= 500:
		return types.ClassTransient
	case status >= 400:
		return types.ClassValidation
	default:
		return types.ClassTransient
	}
}
