// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/gorilla/websocket"
)

// ErrStopWatching may be returned by a WatchCountdown callback to close
// the stream without an error.
var ErrStopWatching = errors.New("stop watching")

// WatchCountdown streams countdown frames for sessionID to fn.
//
// # Description
//
// Opens the countdown websocket and calls fn for every frame until the
// server closes the stream, ctx is done, or fn returns an error. A normal
// close from the server (after time_up or a non-active status) returns
// nil, as does fn returning ErrStopWatching.
//
// # Limitations
//
//   - Upgrade failures with a JSON body are returned as *APIError.
//   - Frames are delivered on the reading goroutine; fn must not block
//     for longer than the server's tick interval.
func (c *Client) WatchCountdown(ctx context.Context, sessionID string, fn func(datatypes.CountdownFrame) error) error {
	wsURL := *c.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + sessionPath(sessionID, "countdown")

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return fmt.Errorf("dial countdown: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read countdown: %w", err)
		}
		var frame datatypes.CountdownFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("decode countdown frame: %w", err)
		}
		if err := fn(frame); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}
