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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for engine operations.
var (
	tracer = otel.Tracer("tattest.lifecycle")
	meter  = otel.Meter("tattest.lifecycle")
)

// Metrics for engine operations.
var (
	operationLatency metric.Float64Histogram
	operationTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		operationLatency, err = meter.Float64Histogram(
			"lifecycle_operation_duration_seconds",
			metric.WithDescription("Duration of session engine operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationTotal, err = meter.Int64Counter(
			"lifecycle_operation_total",
			metric.WithDescription("Total session engine operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startOperationSpan creates a span for one engine operation.
func startOperationSpan(ctx context.Context, operation, userID, sessionID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("session.operation", operation),
		attribute.String("session.user_id", userID),
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String("session.id", sessionID))
	}
	return tracer.Start(ctx, "Engine."+operation, trace.WithAttributes(attrs...))
}

// finishOperation ends span and records operation metrics.
func (e *Engine) finishOperation(ctx context.Context, span trace.Span, operation string, begin time.Time, err error) {
	duration := time.Since(begin)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	e.metrics.ObserveOperation(operation, duration.Seconds(), err == nil)

	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", err == nil),
	)
	operationLatency.Record(ctx, duration.Seconds(), attrs)
	operationTotal.Add(ctx, 1, attrs)
}
