// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics wires the relayer's observable surface onto an
// OpenTelemetry meter, auto-configured from the standard OTEL_* environment
// variables via autoexport rather than hardcoding a specific backend.
package metrics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/api"
)

const meterName = "github.com/abacus-network/relayer"

// Metrics implements every metrics-consumer interface the core defines
// (internal/chain.DurationObserver, internal/processor.Metrics,
// internal/submitter.Metrics/DropMetrics, internal/proversync.ProgressObserver)
// against a single OTel meter, so callers wire one object everywhere.
type Metrics struct {
	lastKnownLeafIndex metric.Int64Gauge
	nextMessageNonce   metric.Int64Gauge
	messagesProcessed  metric.Int64Counter
	messagesSkipped    metric.Int64Counter
	messagesFailed     metric.Int64Counter
	messagesDropped    metric.Int64Counter
	rpcDuration        metric.Float64Histogram
}

// New creates every instrument against meter. Construction failures here are
// programmer error (a bad instrument name or unit), not a runtime condition,
// so New exits the process via klog.Exitf rather than returning an error a
// caller would have no sensible way to recover from.
func New(meter metric.Meter) *Metrics {
	m := &Metrics{}
	var err error

	m.lastKnownLeafIndex, err = meter.Int64Gauge("relayer.last_known_message_leaf_index",
		metric.WithDescription("highest leaf index this process has observed, by phase"))
	must(err)

	m.nextMessageNonce, err = meter.Int64Gauge("relayer.next_message_nonce",
		metric.WithDescription("next nonce a destination's MessageProcessor expects to see"))
	must(err)

	m.messagesProcessed, err = meter.Int64Counter("relayer.messages_processed",
		metric.WithDescription("messages successfully delivered to their destination inbox"))
	must(err)

	m.messagesSkipped, err = meter.Int64Counter("relayer.messages_skipped",
		metric.WithDescription("messages skipped by policy (filter or index_only)"))
	must(err)

	m.messagesFailed, err = meter.Int64Counter("relayer.messages_failed",
		metric.WithDescription("submit attempts that failed and were requeued"))
	must(err)

	m.messagesDropped, err = meter.Int64Counter("relayer.messages_dropped",
		metric.WithDescription("messages permanently abandoned by a submitter"))
	must(err)

	m.rpcDuration, err = meter.Float64Histogram("relayer.rpc_duration_seconds",
		metric.WithDescription("chain RPC call latency"), metric.WithUnit("s"))
	must(err)

	return m
}

func must(err error) {
	if err != nil {
		klog.Exitf("metrics: %v", err)
	}
}

// SetLastKnownLeafIndex implements proversync.ProgressObserver and
// processor.Metrics.
func (m *Metrics) SetLastKnownLeafIndex(phase string, leafIndex uint64) {
	m.lastKnownLeafIndex.Record(context.Background(), int64(leafIndex), metric.WithAttributes(attribute.String("phase", phase)))
}

// SetNextMessageNonce implements processor.Metrics.
func (m *Metrics) SetNextMessageNonce(home, remote api.Domain, agentName string, nonce uint32) {
	m.nextMessageNonce.Record(context.Background(), int64(nonce), metric.WithAttributes(
		attribute.Int64("home_domain", int64(home)),
		attribute.Int64("remote_domain", int64(remote)),
		attribute.String("agent", agentName),
	))
}

// IncMessagesSkipped implements processor.Metrics.
func (m *Metrics) IncMessagesSkipped(origin, remote api.Domain) {
	m.messagesSkipped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int64("origin_domain", int64(origin)),
		attribute.Int64("destination_domain", int64(remote)),
	))
}

// IncMessagesProcessed implements submitter.Metrics.
func (m *Metrics) IncMessagesProcessed(origin, destination api.Domain) {
	m.messagesProcessed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int64("origin_domain", int64(origin)),
		attribute.Int64("destination_domain", int64(destination)),
	))
}

// IncSubmitFailure implements submitter.Metrics.
func (m *Metrics) IncSubmitFailure(origin, destination api.Domain) {
	m.messagesFailed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int64("origin_domain", int64(origin)),
		attribute.Int64("destination_domain", int64(destination)),
	))
}

// IncMessagesDropped implements submitter.DropMetrics.
func (m *Metrics) IncMessagesDropped(origin, destination api.Domain) {
	m.messagesDropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int64("origin_domain", int64(origin)),
		attribute.Int64("destination_domain", int64(destination)),
	))
}

// ObserveRPCDuration implements internal/chain.DurationObserver.
func (m *Metrics) ObserveRPCDuration(chainName, method string, d time.Duration) {
	m.rpcDuration.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("chain", chainName),
		attribute.String("method", method),
	))
}

// Init auto-configures a MeterProvider from OTEL_* environment variables and
// registers it globally, mirroring the shutdown-function pattern the
// conformance binaries use for their own OTel setup. Callers should defer
// the returned shutdown function.
func Init(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	reader, err := autoexport.NewMetricReader(ctx)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx))
	}, nil
}

// Meter returns the relayer's named meter off the globally registered
// MeterProvider. Call this after Init.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(meterName)
}
