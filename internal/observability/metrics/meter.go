// Copyright 2026 The RealmKeeper Authors
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

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Config holds metrics configuration
type Config struct {
	Enabled bool
}

// Meter wraps OpenTelemetry meter
type Meter struct {
	meter metric.Meter
}

// New creates a new meter instance
func New(ctx context.Context, cfg Config, serviceName string) (*Meter, error) {
	if !cfg.Enabled {
		return &Meter{
			meter: otel.Meter("noop"),
		}, nil
	}

	// Global provider; exporters are configured by the host process.
	meter := otel.Meter(serviceName)

	return &Meter{
		meter: meter,
	}, nil
}

// GetMeter returns the underlying meter
func (m *Meter) GetMeter() metric.Meter {
	return m.meter
}

// CreateCounter creates a new counter metric
func (m *Meter) CreateCounter(name, description string) (metric.Int64Counter, error) {
	counter, err := m.meter.Int64Counter(
		name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	return counter, nil
}

// CreateHistogram creates a new histogram metric
func (m *Meter) CreateHistogram(name, description, unit string) (metric.Float64Histogram, error) {
	histogram, err := m.meter.Float64Histogram(
		name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}
	return histogram, nil
}

// Claims holds the instruments recorded by the claim coordinator.
type Claims struct {
	Outcomes     metric.Int64Counter
	GrantLatency metric.Float64Histogram
	Rollbacks    metric.Int64Counter
}

// NewClaims creates the claim instruments on m.
func NewClaims(m *Meter) (*Claims, error) {
	outcomes, err := m.CreateCounter("realmkeeper.claims", "Claims by outcome")
	if err != nil {
		return nil, err
	}
	latency, err := m.CreateHistogram("realmkeeper.grant.duration", "Latency of the entitlement grant call", "s")
	if err != nil {
		return nil, err
	}
	rollbacks, err := m.CreateCounter("realmkeeper.claims.rolled_back", "Claims whose consumed key was restored")
	if err != nil {
		return nil, err
	}
	return &Claims{Outcomes: outcomes, GrantLatency: latency, Rollbacks: rollbacks}, nil
}

// ObserveKeys registers a gauge reporting the number of redeemable keys
// across all tenants, computed by total at collection time.
func ObserveKeys(m *Meter, total func(context.Context) int64) error {
	_, err := m.meter.Int64ObservableGauge(
		"realmkeeper.keys.stored",
		metric.WithDescription("Redeemable keys across all tenants"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(total(ctx))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create gauge realmkeeper.keys.stored: %w", err)
	}
	return nil
}
