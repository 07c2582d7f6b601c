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
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/clock"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/AleutianAI/tattest/services/tattest/observability"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// CountdownConfig tunes the countdown stream.
type CountdownConfig struct {
	// TickInterval is the local countdown step. Default: 1s
	TickInterval time.Duration

	// ResyncInterval is how often the stream re-reads the authoritative
	// remaining time. Default: 15s
	ResyncInterval time.Duration

	// WriteTimeout bounds each frame write. Default: 10s
	WriteTimeout time.Duration

	// Metrics tracks open streams. Optional.
	Metrics *observability.LifecycleMetrics
}

func (c CountdownConfig) withDefaults() CountdownConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// frameWriter writes frames to one connection. Only the stream goroutine
// writes; the reader goroutine never does.
type frameWriter struct {
	ws      *websocket.Conn
	timeout time.Duration
}

func (w frameWriter) send(frame datatypes.CountdownFrame) error {
	_ = w.ws.SetWriteDeadline(time.Now().Add(w.timeout))
	err := w.ws.WriteJSON(frame)
	if err != nil {
		slog.Warn("failed to write countdown frame", "type", frame.Type, "error", err)
	}
	return err
}

func (w frameWriter) close(reason string) {
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(w.timeout))
}

// Countdown handles GET /v1/sessions/:id/countdown.
//
// # Description
//
// Streams the session countdown over a websocket. The first frame is a
// "status" frame with the authoritative remaining time. While the session
// is active the stream sends one "tick" per TickInterval, a "warning" once
// per threshold and a single "time_up" before closing. Every
// ResyncInterval, and whenever the client sends any message, the stream
// re-reads the authoritative remaining time so that a slow client or a
// skewed local clock cannot drift. If the session leaves the active state
// elsewhere a final "status" frame is sent and the stream closes.
//
// The stream never resolves a session. On "time_up" the client submits
// through /timeup; the sweeper covers clients that never do.
//
// # Limitations
//
//   - Reconnecting starts a new stream; thresholds already passed are not
//     re-sent.
func Countdown(engine SessionEngine, cfg CountdownConfig) gin.HandlerFunc {
	cfg = cfg.withDefaults()
	thresholds := engine.Policy().WarningThresholds

	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		sessionID := c.Param("id")

		// Resolve before upgrading so unknown sessions get a plain 404.
		initial, err := engine.Remaining(c.Request.Context(), userID, sessionID)
		if err != nil {
			respondError(c, "countdown", err)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "session_id", sessionID, "error", err)
			return
		}
		defer ws.Close()
		// The server's ReadTimeout still applies to the hijacked connection.
		_ = ws.SetReadDeadline(time.Time{})

		cfg.Metrics.CountdownOpened()
		defer cfg.Metrics.CountdownClosed()

		slog.Debug("countdown stream opened", "session_id", sessionID, "user_id", userID)
		out := frameWriter{ws: ws, timeout: cfg.WriteTimeout}

		if err := out.send(statusFrame(initial)); err != nil {
			return
		}
		if initial.Status != datatypes.StatusActive {
			out.close(string(initial.Status))
			return
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		nudges := readNudges(ws, cancel)

		streamCountdown(ctx, engine, cfg, out, userID, initial, thresholds, nudges)
	}
}

func statusFrame(r datatypes.RemainingResult) datatypes.CountdownFrame {
	return datatypes.CountdownFrame{
		Type:             "status",
		SessionID:        r.SessionID,
		Status:           r.Status,
		RemainingSeconds: r.RemainingSeconds,
	}
}

// readNudges drains client messages. Each one asks for a resync. cancel is
// called when the client goes away.
func readNudges(ws *websocket.Conn, cancel context.CancelFunc) <-chan struct{} {
	nudges := make(chan struct{}, 1)
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
			select {
			case nudges <- struct{}{}:
			default:
			}
		}
	}()
	return nudges
}

func streamCountdown(
	ctx context.Context,
	engine SessionEngine,
	cfg CountdownConfig,
	out frameWriter,
	userID string,
	initial datatypes.RemainingResult,
	thresholds []int,
	nudges <-chan struct{},
) {
	cd := clock.NewCountdown(initial.RemainingSeconds, thresholds)
	sessionID := initial.SessionID

	// emit sends events and reports whether the stream should end.
	emit := func(events []clock.Event) bool {
		for _, e := range events {
			frame := datatypes.CountdownFrame{
				Type:             string(e.Kind),
				RemainingSeconds: e.Remaining,
				Threshold:        e.Threshold,
			}
			if out.send(frame) != nil {
				return true
			}
			if e.Kind == clock.EventTimeUp {
				out.close("time_up")
				return true
			}
		}
		return false
	}

	resync := func() bool {
		r, err := engine.Remaining(ctx, userID, sessionID)
		if err != nil {
			// Keep counting locally; the next resync may succeed.
			slog.Warn("countdown resync failed", "session_id", sessionID, "error", err)
			return false
		}
		if r.Status != datatypes.StatusActive {
			_ = out.send(statusFrame(r))
			out.close(string(r.Status))
			return true
		}
		events := cd.Resync(r.RemainingSeconds)
		tick := clock.Event{Kind: clock.EventTick, Remaining: cd.Remaining()}
		return emit(append([]clock.Event{tick}, events...))
	}

	if emit(cd.Poll()) {
		return
	}

	ticks := time.NewTicker(cfg.TickInterval)
	defer ticks.Stop()
	resyncs := time.NewTicker(cfg.ResyncInterval)
	defer resyncs.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("countdown stream closed by client", "session_id", sessionID)
			return
		case <-ticks.C:
			if emit(cd.Tick()) {
				return
			}
		case <-resyncs.C:
			if resync() {
				return
			}
		case <-nudges:
			if resync() {
				return
			}
		}
	}
}
