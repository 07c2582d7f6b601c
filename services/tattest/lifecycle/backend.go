// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"

	"github.com/AleutianAI/tattest/services/tattest/datatypes"
)

// Backend is the caller-facing session surface as seen by one user.
//
// # Description
//
// The Controller drives a session through a Backend. Engine.ForUser adapts
// the in-process Engine; pkg/client implements it over HTTP. Errors carry
// the datatypes sentinels so the Controller can tell precondition failures
// from infrastructure failures.
type Backend interface {
	StartSession(ctx context.Context, exerciseID string) (datatypes.StartResult, error)
	OpenSession(ctx context.Context, exerciseID string) (datatypes.SessionView, bool, error)
	Remaining(ctx context.Context, sessionID string) (datatypes.RemainingResult, error)
	SyncSession(ctx context.Context, sessionID, text string) (datatypes.RemainingResult, error)
	PauseSession(ctx context.Context, sessionID, text string, remainingSeconds int) (datatypes.SessionView, error)
	ResumeSession(ctx context.Context, sessionID string) (datatypes.SessionView, error)
	SubmitSession(ctx context.Context, sessionID, text string) (datatypes.Resolution, error)
	TimeUp(ctx context.Context, sessionID, text string) (datatypes.Resolution, error)
	AbandonSession(ctx context.Context, sessionID, text string) (datatypes.Resolution, error)
}

// ForUser binds the engine to userID.
func (e *Engine) ForUser(userID string) Backend {
	return &engineBackend{engine: e, userID: userID}
}

type engineBackend struct {
	engine *Engine
	userID string
}

func (b *engineBackend) StartSession(ctx context.Context, exerciseID string) (datatypes.StartResult, error) {
	return b.engine.Start(ctx, b.userID, exerciseID)
}

func (b *engineBackend) OpenSession(ctx context.Context, exerciseID string) (datatypes.SessionView, bool, error) {
	return b.engine.GetOpen(ctx, b.userID, exerciseID)
}

func (b *engineBackend) Remaining(ctx context.Context, sessionID string) (datatypes.RemainingResult, error) {
	return b.engine.Remaining(ctx, b.userID, sessionID)
}

func (b *engineBackend) SyncSession(ctx context.Context, sessionID, text string) (datatypes.RemainingResult, error) {
	return b.engine.Sync(ctx, b.userID, sessionID, text)
}

func (b *engineBackend) PauseSession(ctx context.Context, sessionID, text string, remainingSeconds int) (datatypes.SessionView, error) {
	return b.engine.Pause(ctx, b.userID, sessionID, text, remainingSeconds)
}

func (b *engineBackend) ResumeSession(ctx context.Context, sessionID string) (datatypes.SessionView, error) {
	return b.engine.Resume(ctx, b.userID, sessionID)
}

func (b *engineBackend) SubmitSession(ctx context.Context, sessionID, text string) (datatypes.Resolution, error) {
	return b.engine.Submit(ctx, b.userID, sessionID, text)
}

func (b *engineBackend) TimeUp(ctx context.Context, sessionID, text string) (datatypes.Resolution, error) {
	return b.engine.TimeUp(ctx, b.userID, sessionID, text)
}

func (b *engineBackend) AbandonSession(ctx context.Context, sessionID, text string) (datatypes.Resolution, error) {
	return b.engine.Abandon(ctx, b.userID, sessionID, text)
}

var _ Backend = (*engineBackend)(nil)
