// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/tattest/pkg/ux"
	"github.com/AleutianAI/tattest/services/tattest/clock"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/AleutianAI/tattest/services/tattest/lifecycle"
	"github.com/AleutianAI/tattest/services/tattest/submission"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

const (
	defaultPracticeTick   = time.Second
	defaultPracticeResync = 15 * time.Second
)

func runPractice(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := newAPIClient()
	if err != nil {
		return err
	}

	policy := datatypes.DefaultPolicy()
	ctrl := lifecycle.NewController(c, lifecycle.ControllerConfig{
		ExerciseID: args[0],
		Policy:     policy,
		Logger:     slog.New(slog.DiscardHandler),
	})

	if err := startPractice(ctx, ctrl); err != nil {
		return err
	}

	model := newPracticeModel(ctx, ctrl, policy, practiceTick, practiceResync)
	final, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil {
		return fmt.Errorf("practice session: %w", err)
	}
	if m, ok := final.(practiceModel); ok {
		reportPractice(m.ctrl.Snapshot())
	}
	return nil
}

// startPractice recovers or starts the session and leaves the controller
// Running.
func startPractice(ctx context.Context, ctrl *lifecycle.Controller) error {
	recovered, err := ctrl.Init(ctx)
	if err != nil {
		return err
	}
	switch ctrl.State() {
	case lifecycle.StateIdle:
		if _, err := ctrl.Start(ctx); err != nil {
			return errors.New(ctrl.Snapshot().Message)
		}
	case lifecycle.StatePaused:
		if _, err := ctrl.Resume(ctx); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	}
	if recovered {
		ux.Info("continuing your saved session")
	}
	if ctrl.State() != lifecycle.StateRunning {
		return fmt.Errorf("session is %s: %s", ctrl.State(), ctrl.Snapshot().Message)
	}
	return nil
}

func reportPractice(snap lifecycle.Snapshot) {
	switch snap.State {
	case lifecycle.StatePaused:
		ux.Success(fmt.Sprintf("saved with %s left; run the same command to continue", ux.FormatRemaining(snap.Remaining)))
	case lifecycle.StateCompleted:
		ux.Success(snap.Message)
		if res := snap.Resolution; res != nil {
			ux.KeyValues(
				"characters", fmt.Sprint(res.CharacterCount),
				"credits", fmt.Sprint(res.CreditsDeducted),
				"balance", fmt.Sprint(res.RemainingBalance),
			)
			if res.Warning != "" {
				ux.Warning(res.Warning)
			}
		}
	case lifecycle.StateError:
		ux.Warning(snap.Message)
	default:
		ux.Info(fmt.Sprintf("left session in state %s", snap.State))
	}
}

// =============================================================================
// Model
// =============================================================================

type practiceTickMsg time.Time

type practiceResyncMsg time.Time

// practiceModel is the bubbletea model of one writing session.
//
// # Keys
//
//   - ctrl+s: submit
//   - esc, ctrl+c: save and exit
//   - ctrl+x: abandon
type practiceModel struct {
	ctx    context.Context
	ctrl   *lifecycle.Controller
	policy datatypes.Policy
	tick   time.Duration
	resync time.Duration

	editor  textarea.Model
	warning string
	notice  string
	done    bool
}

func newPracticeModel(ctx context.Context, ctrl *lifecycle.Controller, policy datatypes.Policy, tick, resync time.Duration) practiceModel {
	if tick <= 0 {
		tick = defaultPracticeTick
	}
	if resync <= 0 {
		resync = defaultPracticeResync
	}
	editor := textarea.New()
	editor.Placeholder = "Tell the story behind the picture..."
	editor.CharLimit = policy.MaxLength
	editor.ShowLineNumbers = false
	editor.SetWidth(80)
	editor.SetHeight(12)
	editor.SetValue(ctrl.Snapshot().Text)
	editor.Focus()

	return practiceModel{
		ctx:    ctx,
		ctrl:   ctrl,
		policy: policy,
		tick:   tick,
		resync: resync,
		editor: editor,
	}
}

// Init implements tea.Model.
func (m practiceModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.scheduleTick(), m.scheduleResync())
}

func (m practiceModel) scheduleTick() tea.Cmd {
	return tea.Tick(m.tick, func(t time.Time) tea.Msg { return practiceTickMsg(t) })
}

func (m practiceModel) scheduleResync() tea.Cmd {
	return tea.Tick(m.resync, func(t time.Time) tea.Msg { return practiceResyncMsg(t) })
}

// Update implements tea.Model.
func (m practiceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.editor.SetWidth(max(msg.Width-4, 20))
		return m, nil

	case practiceTickMsg:
		if m.done {
			return m, nil
		}
		m.observe(m.ctrl.Tick(m.ctx))
		if m.resolved() {
			return m.finish()
		}
		return m, m.scheduleTick()

	case practiceResyncMsg:
		if m.done {
			return m, nil
		}
		events, err := m.ctrl.Resync(m.ctx)
		if err != nil {
			m.notice = "server unreachable; your draft is kept locally"
		} else if strings.HasPrefix(m.notice, "server unreachable") {
			m.notice = ""
		}
		m.observe(events)
		if m.resolved() {
			return m.finish()
		}
		return m, m.scheduleResync()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.editor, cmd = m.editor.Update(msg)
	return m, cmd
}

func (m practiceModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.done {
		return m, tea.Quit
	}
	switch msg.String() {
	case "ctrl+s":
		m.ctrl.SetText(m.editor.Value())
		out, err := m.ctrl.Submit(m.ctx)
		if errors.Is(err, datatypes.ErrEmptySubmission) {
			m.notice = "write something before submitting"
			return m, nil
		}
		if err != nil {
			m.notice = err.Error()
		} else if out.Warned() {
			m.notice = out.Cause.Error()
		}
		if m.resolved() {
			return m.finish()
		}
		return m, nil

	case "esc", "ctrl+c":
		m.ctrl.SetText(m.editor.Value())
		if m.ctrl.State() == lifecycle.StateRunning {
			if _, err := m.ctrl.Pause(m.ctx); err != nil {
				m.notice = err.Error()
				return m, nil
			}
		}
		m.done = true
		return m, tea.Quit

	case "ctrl+x":
		m.ctrl.SetText(m.editor.Value())
		if _, err := m.ctrl.Abandon(m.ctx); err != nil {
			m.notice = err.Error()
			return m, nil
		}
		return m.finish()
	}

	var cmd tea.Cmd
	m.editor, cmd = m.editor.Update(msg)
	m.ctrl.SetText(m.editor.Value())
	return m, cmd
}

func (m *practiceModel) observe(events []clock.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case clock.EventWarning:
			m.warning = ux.FormatRemaining(ev.Threshold) + " left"
		case clock.EventTimeUp:
			m.warning = "time is up"
		}
	}
}

func (m practiceModel) resolved() bool {
	state := m.ctrl.State()
	return state == lifecycle.StateCompleted || state == lifecycle.StateError
}

func (m practiceModel) finish() (tea.Model, tea.Cmd) {
	m.done = true
	m.editor.Blur()
	return m, nil
}

// View implements tea.Model.
func (m practiceModel) View() string {
	snap := m.ctrl.Snapshot()
	var b strings.Builder

	b.WriteString(ux.Styles.Title.Render("tattest"))
	b.WriteString("  ")
	b.WriteString(ux.RenderRemaining(snap.Remaining, m.policy.WarningThresholds))
	b.WriteString("  ")
	b.WriteString(ux.LengthMeter(submission.TrimmedLength(m.editor.Value()), m.policy.MinLength, m.policy.MaxLength, 20))
	if m.warning != "" {
		b.WriteString("  ")
		b.WriteString(ux.Styles.Warning.Render(m.warning))
	}
	b.WriteString("\n\n")
	b.WriteString(m.editor.View())
	b.WriteString("\n\n")

	if m.notice != "" {
		b.WriteString(ux.Styles.Error.Render(m.notice))
		b.WriteString("\n")
	}
	if m.done {
		if snap.Message != "" {
			b.WriteString(snap.Message)
			b.WriteString("\n")
		}
		b.WriteString(ux.Styles.Muted.Render("press any key to exit"))
		return b.String()
	}
	b.WriteString(ux.Styles.Muted.Render(fmt.Sprintf(
		"ctrl+s submit • esc save and exit • ctrl+x abandon • %d-%d characters",
		m.policy.MinLength, m.policy.MaxLength,
	)))
	return b.String()
}
