// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package client is the Go client for the tattest session API.

# Usage

	c, err := client.New(client.Config{
	    BaseURL: "http://localhost:12310",
	    Token:   os.Getenv("TATTEST_TOKEN"),
	})
	start, err := c.StartSession(ctx, "card-17")
	res, err := c.SubmitSession(ctx, start.Session.ID, story)
	if errors.Is(err, datatypes.ErrEmptySubmission) {
	    // nothing was written
	}

Client implements lifecycle.Backend, so a lifecycle.Controller can drive a
remote session exactly like an in-process one.

# Errors

Non-2xx responses become *APIError. APIError unwraps to the matching
datatypes sentinel, so errors.Is works across the wire.

# Retries

Reads (GET) are retried with exponential backoff on transport errors and
503 responses. Writes are never retried here: the server is idempotent for
submit and time-up, but the caller decides whether to repeat them.
*/
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
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/AleutianAI/tattest/services/tattest/lifecycle"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// APIError is a non-2xx response from the session API.
type APIError struct {
	// StatusCode is the HTTP status.
	StatusCode int

	// Code is the machine-readable error from the body, e.g. "time_expired".
	Code string

	// Message is the human-readable message from the body.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tattest: %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("tattest: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap returns the datatypes sentinel for Code, or nil.
func (e *APIError) Unwrap() error {
	return datatypes.ErrorFromCode(e.Code)
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:12310". Required.
	BaseURL string

	// Token is sent as a Bearer token. Empty sends no Authorization header.
	Token string

	// Timeout bounds each HTTP request. Default: 30s
	Timeout time.Duration

	// MaxTries bounds attempts for GET requests. Default: 3
	MaxTries uint

	// HTTPClient overrides the default client. Its transport is used as-is.
	HTTPClient *http.Client
}

// Client talks to the session API over HTTP.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	base     *url.URL
	token    string
	maxTries uint
	http     *http.Client
}

// New creates a client.
//
// # Description
//
// The default HTTP client wraps http.DefaultTransport with otelhttp, so
// requests carry the caller's trace context to the server.
//
// # Outputs
//
//   - *Client: Ready to use.
//   - error: BaseURL is missing or not an absolute URL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		base:     base,
		token:    cfg.Token,
		maxTries: cfg.MaxTries,
		http:     httpClient,
	}, nil
}

// ForToken returns a copy of the client that authenticates with token.
func (c *Client) ForToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// StartSession starts, or recovers, the session for exerciseID.
func (c *Client) StartSession(ctx context.Context, exerciseID string) (datatypes.StartResult, error) {
	var out datatypes.StartResult
	err := c.do(ctx, http.MethodPost, "/v1/sessions", datatypes.StartSessionRequest{ExerciseID: exerciseID}, &out)
	return out, err
}

// OpenSession returns the open session for exerciseID. found is false when
// there is none.
func (c *Client) OpenSession(ctx context.Context, exerciseID string) (datatypes.SessionView, bool, error) {
	var out datatypes.SessionView
	err := c.do(ctx, http.MethodGet, "/v1/sessions/open?exercise_id="+url.QueryEscape(exerciseID), nil, &out)
	if errors.Is(err, datatypes.ErrSessionNotFound) {
		return datatypes.SessionView{}, false, nil
	}
	if err != nil {
		return datatypes.SessionView{}, false, err
	}
	return out, true, nil
}

// GetSession returns one session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (datatypes.SessionView, error) {
	var out datatypes.SessionView
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, &out)
	return out, err
}

// Remaining returns the server's countdown value.
func (c *Client) Remaining(ctx context.Context, sessionID string) (datatypes.RemainingResult, error) {
	var out datatypes.RemainingResult
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "remaining"), nil, &out)
	return out, err
}

// SyncSession saves the draft and returns the countdown value.
func (c *Client) SyncSession(ctx context.Context, sessionID, text string) (datatypes.RemainingResult, error) {
	var out datatypes.RemainingResult
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "sync"), datatypes.TextRequest{Text: text}, &out)
	return out, err
}

// PauseSession saves and exits.
func (c *Client) PauseSession(ctx context.Context, sessionID, text string, remainingSeconds int) (datatypes.SessionView, error) {
	var out datatypes.SessionView
	body := datatypes.PauseSessionRequest{Text: text, RemainingSeconds: &remainingSeconds}
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "pause"), body, &out)
	return out, err
}

// ResumeSession restarts a paused session.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) (datatypes.SessionView, error) {
	var out datatypes.SessionView
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "resume"), nil, &out)
	return out, err
}

// SubmitSession submits the story manually.
func (c *Client) SubmitSession(ctx context.Context, sessionID, text string) (datatypes.Resolution, error) {
	return c.resolve(ctx, sessionID, "submit", text)
}

// TimeUp reports that the local countdown reached zero.
func (c *Client) TimeUp(ctx context.Context, sessionID, text string) (datatypes.Resolution, error) {
	return c.resolve(ctx, sessionID, "timeup", text)
}

// AbandonSession gives up on the session. Empty text keeps the saved draft.
func (c *Client) AbandonSession(ctx context.Context, sessionID, text string) (datatypes.Resolution, error) {
	return c.resolve(ctx, sessionID, "abandon", text)
}

func (c *Client) resolve(ctx context.Context, sessionID, action, text string) (datatypes.Resolution, error) {
	var out datatypes.Resolution
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, action), datatypes.TextRequest{Text: text}, &out)
	return out, err
}

// -----------------------------------------------------------------------------
// Credits
// -----------------------------------------------------------------------------

// Credits returns the caller's balance and up to limit recent entries.
// limit 0 uses the server default.
func (c *Client) Credits(ctx context.Context, limit int) (datatypes.CreditsResult, error) {
	path := "/v1/credits"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out datatypes.CreditsResult
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GrantCredits adds credits to userID. Requires an admin token.
func (c *Client) GrantCredits(ctx context.Context, userID string, credits int64, referenceID string) (datatypes.GrantResult, error) {
	var out datatypes.GrantResult
	body := datatypes.GrantCreditsRequest{Credits: credits, ReferenceID: referenceID}
	err := c.do(ctx, http.MethodPost, "/v1/admin/users/"+url.PathEscape(userID)+"/credits", body, &out)
	return out, err
}

// Health returns nil when the server answers /health with 200.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

func sessionPath(sessionID, action string) string {
	p := "/v1/sessions/" + url.PathEscape(sessionID)
	if action != "" {
		p += "/" + action
	}
	return p
}

// do sends one request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	if method != http.MethodGet {
		return c.send(ctx, method, path, payload, out)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.send(ctx, method, path, payload, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusServiceUnavailable {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
	)
	return err
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body datatypes.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Code = body.Error
		apiErr.Message = body.Message
	} else {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

var _ lifecycle.Backend = (*Client)(nil)
