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

// Package telemetry wires ambient OpenTelemetry instrumentation through the
// core: counters for puts, gets, deletes, flushes, compactions, discovery
// cycles, and lease wins. LeaseLosses and SeqBatches are registered but no
// component increments them. It never gates correctness; a nil or no-op
// Metrics still lets every component run.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the counters shared across a Database instance.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	Puts        metric.Int64Counter
	Gets        metric.Int64Counter
	Deletes     metric.Int64Counter
	Flushes     metric.Int64Counter
	Compactions metric.Int64Counter
	Discoveries metric.Int64Counter
	LeaseWins   metric.Int64Counter
	LeaseLosses metric.Int64Counter
	SeqBatches  metric.Int64Counter
}

// New builds a Metrics instance backed by an in-process manual reader; there
// is no requirement that anything ever scrapes it, and no exporter is
// started. Database.Stats() does not read these counters.
func New() (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("echodb")

	m := &Metrics{provider: provider, reader: reader}
	var err error
	if m.Puts, err = meter.Int64Counter("echodb.puts"); err != nil {
		return nil, err
	}
	if m.Gets, err = meter.Int64Counter("echodb.gets"); err != nil {
		return nil, err
	}
	if m.Deletes, err = meter.Int64Counter("echodb.deletes"); err != nil {
		return nil, err
	}
	if m.Flushes, err = meter.Int64Counter("echodb.flushes"); err != nil {
		return nil, err
	}
	if m.Compactions, err = meter.Int64Counter("echodb.compactions"); err != nil {
		return nil, err
	}
	if m.Discoveries, err = meter.Int64Counter("echodb.discoveries"); err != nil {
		return nil, err
	}
	if m.LeaseWins, err = meter.Int64Counter("echodb.lease_wins"); err != nil {
		return nil, err
	}
	if m.LeaseLosses, err = meter.Int64Counter("echodb.lease_losses"); err != nil {
		return nil, err
	}
	if m.SeqBatches, err = meter.Int64Counter("echodb.sequence_batches"); err != nil {
		return nil, err
	}
	return m, nil
}

// Shutdown releases the underlying meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
