// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the session engine.
//
// # Description
//
// Metrics cover the lifecycle of timed sessions and their settlement:
//   - Session starts (created, recovered, rejected)
//   - Transitions into paused, resumed, completed and abandoned
//   - Settlement attempts by outcome and credits deducted
//   - Analysis dispatch failures
//   - Open countdown streams
//   - Sweeper actions
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *LifecycleMetrics, so components can be
// built without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "tattest"

// Subsystem for session lifecycle metrics
const sessionSubsystem = "session"

// LifecycleMetrics holds all Prometheus collectors for the session engine.
//
// # Fields
//
//   - StartsTotal: Session starts by result
//   - TransitionsTotal: Status transitions by target status and trigger
//   - SettlementsTotal: Charge attempts by outcome
//   - CreditsDeductedTotal: Sum of credits deducted
//   - DispatchErrorsTotal: Completion events the dispatcher refused
//   - ActiveCountdowns: Open websocket countdown streams
//   - SweepsTotal: Sessions resolved by the sweeper by action
//   - OperationDurationSeconds: Engine operation latency
//
// # Thread Safety
//
// All operations are thread-safe.
type LifecycleMetrics struct {
	// StartsTotal counts StartSession calls.
	// Labels: result (created, recovered, rejected)
	StartsTotal *prometheus.CounterVec

	// TransitionsTotal counts persisted status transitions.
	// Labels: status (paused, active, completed, abandoned), trigger (manual, auto, sweep, user)
	TransitionsTotal *prometheus.CounterVec

	// SettlementsTotal counts charge attempts.
	// Labels: outcome (charge_applied, charge_failed, charge_duplicate)
	SettlementsTotal *prometheus.CounterVec

	// CreditsDeductedTotal sums credits taken by applied charges.
	CreditsDeductedTotal prometheus.Counter

	// DispatchErrorsTotal counts completion events that could not be handed off.
	DispatchErrorsTotal prometheus.Counter

	// ActiveCountdowns tracks open countdown streams.
	ActiveCountdowns prometheus.Gauge

	// SweepsTotal counts sessions resolved by the background sweeper.
	// Labels: action (expired, paused_ttl)
	SweepsTotal *prometheus.CounterVec

	// OperationDurationSeconds measures engine operation latency.
	// Labels: operation, status (success, error)
	OperationDurationSeconds *prometheus.HistogramVec
}

// DefaultMetrics is the process-wide instance, set by InitMetrics.
var DefaultMetrics *LifecycleMetrics

// InitMetrics registers the collectors with the default Prometheus registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *LifecycleMetrics {
	DefaultMetrics = NewLifecycleMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewLifecycleMetrics creates the collectors and registers them with reg.
//
// # Inputs
//
//   - reg: Target registry. Tests pass prometheus.NewRegistry().
//
// # Examples
//
//	m := observability.NewLifecycleMetrics(prometheus.NewRegistry())
//	m.RecordStart(observability.StartCreated)
func NewLifecycleMetrics(reg prometheus.Registerer) *LifecycleMetrics {
	factory := promauto.With(reg)
	return &LifecycleMetrics{
		StartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "starts_total",
				Help:      "Total StartSession calls by result",
			},
			[]string{"result"},
		),

		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "transitions_total",
				Help:      "Total persisted session transitions by target status and trigger",
			},
			[]string{"status", "trigger"},
		),

		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "settlements_total",
				Help:      "Total charge attempts by outcome",
			},
			[]string{"outcome"},
		),

		CreditsDeductedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "credits_deducted_total",
				Help:      "Total credits deducted for completed sessions",
			},
		),

		DispatchErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "dispatch_errors_total",
				Help:      "Total completion events the analysis dispatcher refused",
			},
		),

		ActiveCountdowns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "active_countdowns",
				Help:      "Number of open countdown streams",
			},
		),

		SweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "sweeps_total",
				Help:      "Total sessions resolved by the sweeper by action",
			},
			[]string{"action"},
		),

		OperationDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "Engine operation duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation", "status"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// StartResult labels StartsTotal.
type StartResult string

const (
	StartCreated   StartResult = "created"
	StartRecovered StartResult = "recovered"
	StartRejected  StartResult = "rejected"
)

// Trigger labels what caused a transition.
type Trigger string

const (
	// TriggerManual is a user-initiated submit.
	TriggerManual Trigger = "manual"

	// TriggerAuto is a time-up submission.
	TriggerAuto Trigger = "auto"

	// TriggerUser is pause, resume or abandon from the caller.
	TriggerUser Trigger = "user"

	// TriggerSweep is the background sweeper.
	TriggerSweep Trigger = "sweep"
)

// SweepAction labels SweepsTotal.
type SweepAction string

const (
	SweepExpired   SweepAction = "expired"
	SweepPausedTTL SweepAction = "paused_ttl"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordStart records one StartSession result.
func (m *LifecycleMetrics) RecordStart(result StartResult) {
	if m == nil {
		return
	}
	m.StartsTotal.WithLabelValues(string(result)).Inc()
}

// RecordTransition records a persisted transition into status.
func (m *LifecycleMetrics) RecordTransition(status string, trigger Trigger) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(status, string(trigger)).Inc()
}

// RecordSettlement records a charge attempt. credits is added to
// CreditsDeductedTotal only when applied is true.
func (m *LifecycleMetrics) RecordSettlement(outcome string, credits int64, applied bool) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(outcome).Inc()
	if applied && credits > 0 {
		m.CreditsDeductedTotal.Add(float64(credits))
	}
}

// RecordDispatchError increments the dispatch failure counter.
func (m *LifecycleMetrics) RecordDispatchError() {
	if m == nil {
		return
	}
	m.DispatchErrorsTotal.Inc()
}

// CountdownOpened increments the open countdown gauge.
func (m *LifecycleMetrics) CountdownOpened() {
	if m == nil {
		return
	}
	m.ActiveCountdowns.Inc()
}

// CountdownClosed decrements the open countdown gauge.
func (m *LifecycleMetrics) CountdownClosed() {
	if m == nil {
		return
	}
	m.ActiveCountdowns.Dec()
}

// RecordSweep records one session resolved by the sweeper.
func (m *LifecycleMetrics) RecordSweep(action SweepAction) {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues(string(action)).Inc()
}

// ObserveOperation records the duration of one engine operation.
func (m *LifecycleMetrics) ObserveOperation(operation string, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.OperationDurationSeconds.WithLabelValues(operation, status).Observe(seconds)
}
