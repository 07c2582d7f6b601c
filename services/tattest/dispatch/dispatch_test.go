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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id string) CompletionEvent {
	return CompletionEvent{
		SessionID:      id,
		UserID:         "u1",
		ExerciseID:     "card-1",
		StoryContent:   "once upon a time",
		CharacterCount: 16,
		CompletedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// resultCollector gathers OnResult callbacks.
type resultCollector struct {
	mu   sync.Mutex
	errs map[string]error
	done chan struct{}
	want int
}

func newResultCollector(want int) *resultCollector {
	return &resultCollector{errs: make(map[string]error), done: make(chan struct{}), want: want}
}

func (r *resultCollector) record(ev CompletionEvent, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[ev.SessionID] = err
	if len(r.errs) == r.want {
		close(r.done)
	}
}

func (r *resultCollector) wait(t *testing.T) map[string]error {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch results")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Dispatch(testEvent("s1")))
	require.Len(t, r.Events(), 1)

	boom := errors.New("boom")
	r.FailWith(boom)
	assert.ErrorIs(t, r.Dispatch(testEvent("s2")), boom)
	assert.Len(t, r.Events(), 1)
}

func TestNop(t *testing.T) {
	var d Dispatcher = Nop{}
	assert.NoError(t, d.Dispatch(testEvent("s1")))
	assert.NoError(t, d.Close(context.Background()))
}

func TestNewWebhook_RequiresURL(t *testing.T) {
	_, err := NewWebhook(WebhookConfig{})
	assert.Error(t, err)
}

func TestWebhook_DeliversEvent(t *testing.T) {
	var (
		mu   sync.Mutex
		got  CompletionEvent
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	results := newResultCollector(1)
	w, err := NewWebhook(WebhookConfig{URL: srv.URL, Client: srv.Client(), OnResult: results.record})
	require.NoError(t, err)

	require.NoError(t, w.Dispatch(testEvent("s1")))
	errs := results.wait(t)
	assert.NoError(t, errs["s1"])
	require.NoError(t, w.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"s1"}, keys)
	assert.Equal(t, "once upon a time", got.StoryContent)
	assert.Equal(t, "card-1", got.ExerciseID)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	results := newResultCollector(1)
	w, err := NewWebhook(WebhookConfig{
		URL:            srv.URL,
		Client:         srv.Client(),
		InitialBackoff: time.Millisecond,
		OnResult:       results.record,
	})
	require.NoError(t, err)
	defer w.Close(context.Background())

	require.NoError(t, w.Dispatch(testEvent("s1")))
	errs := results.wait(t)
	assert.NoError(t, errs["s1"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	results := newResultCollector(1)
	w, err := NewWebhook(WebhookConfig{
		URL:            srv.URL,
		Client:         srv.Client(),
		InitialBackoff: time.Millisecond,
		OnResult:       results.record,
	})
	require.NoError(t, err)
	defer w.Close(context.Background())

	require.NoError(t, w.Dispatch(testEvent("s1")))
	errs := results.wait(t)
	assert.Error(t, errs["s1"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_QueueFullDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	w, err := NewWebhook(WebhookConfig{URL: srv.URL, Client: srv.Client(), Workers: 1, QueueSize: 1})
	require.NoError(t, err)

	// One event is held by the worker, one fills the queue; eventually a
	// Dispatch must report ErrQueueFull rather than block.
	var full bool
	for i := 0; i < 10 && !full; i++ {
		if errors.Is(w.Dispatch(testEvent("s")), ErrQueueFull) {
			full = true
		}
	}
	assert.True(t, full)
}

func TestWebhook_DispatchAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL, Client: srv.Client()})
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))

	assert.ErrorIs(t, w.Dispatch(testEvent("s1")), ErrClosed)
	assert.NoError(t, w.Close(context.Background()))
}
