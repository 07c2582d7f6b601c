// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookConfig configures a Webhook dispatcher.
type WebhookConfig struct {
	// URL receives a POST with a JSON CompletionEvent. Required.
	URL string

	// Workers is the number of concurrent senders. Default: 2
	Workers int

	// QueueSize bounds buffered events. Default: 256
	QueueSize int

	// RequestTimeout bounds one POST. Default: 10s
	RequestTimeout time.Duration

	// MaxTries bounds delivery attempts per event. Default: 5
	MaxTries uint

	// InitialBackoff is the first retry delay. Default: 500ms
	InitialBackoff time.Duration

	// Client overrides the HTTP client. Default: otelhttp-instrumented client.
	Client *http.Client

	// Logger receives delivery failures. Default: slog.Default()
	Logger *slog.Logger

	// OnResult is called after each event's final attempt. Optional.
	OnResult func(ev CompletionEvent, err error)
}

// Webhook delivers completion events to an HTTP endpoint in the background.
//
// # Description
//
// Dispatch puts the event on a bounded queue and returns. Workers POST it
// with the session id as Idempotency-Key, retrying network errors and 5xx
// responses with exponential backoff. 4xx responses are not retried.
//
// # Thread Safety
//
// Safe for concurrent use.
type Webhook struct {
	cfg    WebhookConfig
	queue  chan CompletionEvent
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	stop   context.CancelFunc
	ctx    context.Context
}

// NewWebhook validates cfg and starts the workers.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		cfg:   cfg,
		queue: make(chan CompletionEvent, cfg.QueueSize),
		ctx:   ctx,
		stop:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	return w, nil
}

// Dispatch enqueues ev. Returns ErrQueueFull instead of blocking.
func (w *Webhook) Dispatch(ev CompletionEvent) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains the queue until ctx is done, then abandons in-flight retries.
func (w *Webhook) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.stop()
		return nil
	case <-ctx.Done():
		w.stop()
		<-done
		return fmt.Errorf("webhook close: %w", ctx.Err())
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for ev := range w.queue {
		err := w.deliver(ev)
		if err != nil {
			w.cfg.Logger.Error("analysis dispatch failed",
				"session_id", ev.SessionID,
				"user_id", ev.UserID,
				"error", err,
			)
		}
		if w.cfg.OnResult != nil {
			w.cfg.OnResult(ev, err)
		}
	}
}

func (w *Webhook) deliver(ev CompletionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.InitialBackoff

	_, err = backoff.Retry(w.ctx, func() (struct{}, error) {
		return struct{}{}, w.post(ev.SessionID, body)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(w.cfg.MaxTries),
	)
	return err
}

func (w *Webhook) post(sessionID string, body []byte) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sessionID)

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post completion: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("analysis endpoint returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("analysis endpoint rejected event: %d", resp.StatusCode))
	}
}

var _ Dispatcher = (*Webhook)(nil)
