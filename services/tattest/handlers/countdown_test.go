// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/tattest/pkg/extensions"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/AleutianAI/tattest/services/tattest/middleware"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + sessionID + "/countdown"
	header := http.Header{"Authorization": {"Bearer " + aliceToken}}
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) datatypes.CountdownFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame datatypes.CountdownFrame
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func TestCountdown_TicksAndWarns(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.clock.Advance((360 - 31) * time.Second)

	ws := f.dial(t, id)

	first := readFrame(t, ws)
	assert.Equal(t, "status", first.Type)
	assert.Equal(t, id, first.SessionID)
	assert.Equal(t, datatypes.StatusActive, first.Status)
	assert.Equal(t, 31, first.RemainingSeconds)

	tick := readFrame(t, ws)
	assert.Equal(t, "tick", tick.Type)
	assert.Equal(t, 30, tick.RemainingSeconds)

	warning := readFrame(t, ws)
	assert.Equal(t, "warning", warning.Type)
	assert.Equal(t, 30, warning.Threshold)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ActiveCountdowns))
}

func TestCountdown_TimeUpClosesStream(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.clock.Advance(359 * time.Second)

	ws := f.dial(t, id)

	assert.Equal(t, 1, readFrame(t, ws).RemainingSeconds)
	assert.Equal(t, "tick", readFrame(t, ws).Type)
	timeUp := readFrame(t, ws)
	assert.Equal(t, "time_up", timeUp.Type)
	assert.Zero(t, timeUp.RemainingSeconds)

	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// The stream reports; it never resolves the session.
	w := f.do(t, aliceToken, "GET", "/v1/sessions/"+id, nil)
	var view datatypes.SessionView
	decode(t, w, &view)
	assert.Equal(t, datatypes.StatusActive, view.Status)
}

func TestCountdown_ClientMessageResyncs(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.clock.Advance(260 * time.Second)

	// Slow local ticks so only the resync moves the value.
	f.router = gin.New()
	f.router.GET("/v1/sessions/:id/countdown", authAs("alice"), Countdown(f.engine, CountdownConfig{
		TickInterval:   time.Hour,
		ResyncInterval: time.Hour,
	}))
	ws := f.dial(t, id)
	assert.Equal(t, 100, readFrame(t, ws).RemainingSeconds)

	f.clock.Advance(45 * time.Second)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"sync"}`)))

	tick := readFrame(t, ws)
	assert.Equal(t, "tick", tick.Type)
	assert.Equal(t, 55, tick.RemainingSeconds)

	warning := readFrame(t, ws)
	assert.Equal(t, "warning", warning.Type)
	assert.Equal(t, 60, warning.Threshold)
}

func TestCountdown_PausedSessionSendsStatusAndCloses(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	w := f.do(t, aliceToken, "POST", "/v1/sessions/"+id+"/pause", gin.H{"text": "", "remaining_seconds": 200})
	require.Equal(t, http.StatusOK, w.Code)

	ws := f.dial(t, id)

	frame := readFrame(t, ws)
	assert.Equal(t, datatypes.StatusPaused, frame.Status)
	assert.Equal(t, 200, frame.RemainingSeconds)

	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestCountdown_UnknownSessionIsNotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, aliceToken, "GET", "/v1/sessions/missing/countdown", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// authAs stands in for AuthMiddleware in routers built by a single test.
func authAs(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		middleware.SetAuthInfo(c, &extensions.AuthInfo{UserID: userID})
		c.Next()
	}
}
